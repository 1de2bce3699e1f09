package confirm

import "github.com/hitoshi/linkconfirm/internal/model"

// Messages はフローごとにUIへ表示する文言。
type Messages struct {
	Idle       string
	Confirming string
	Ready      string
	Timeout    string
	Expired    string // バックエンドが理由を返さなかった場合
	NoSession  string
	Transient  string
	NoLink     string
	NotReady   string
	Completed  string
}

var recoveryMessages = Messages{
	Idle:       "Open this link from the recovery email we sent you.",
	Confirming: "Confirming your reset link...",
	Ready:      "Your identity has been verified! Please set a new password.",
	Timeout:    "The reset link timed out. Please request a new one.",
	Expired:    "The reset link is invalid or expired. Please request a new one.",
	NoSession:  "Invalid or expired reset link.",
	Transient:  "Something went wrong. Please try again.",
	NoLink:     "No reset link found. Please open the link from your email.",
	NotReady:   "Your reset link is not ready.",
	Completed:  "Password updated! You can now sign in with your new credentials.",
}

var verificationMessages = Messages{
	Idle:       "Open this link from the verification email we sent you.",
	Confirming: "Confirming your email...",
	Ready:      "Your email has been verified! You can now sign in.",
	Timeout:    "The verification link timed out. Please request a new one.",
	Expired:    "The verification link is invalid or expired. Please request a new one.",
	NoSession:  "Invalid or expired verification link.",
	Transient:  "Something went wrong. Please try again.",
	NoLink:     "No verification link found. Please open the link from your email.",
	NotReady:   "Password updates are only available from a reset link.",
	Completed:  "Your email has been verified! You can now sign in.",
}

// MessagesFor はリンク種別に対応する文言を返す。
func MessagesFor(kind model.LinkKind) Messages {
	if kind == model.KindEmailVerification {
		return verificationMessages
	}
	return recoveryMessages
}
