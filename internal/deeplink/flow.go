// Package deeplink はディープリンクの解析と配信を提供する。
//
// Parse はURLのフラグメントに埋め込まれた認証情報を LinkPayload に変換する。
// Hub はOS相当のディープリンク配信元として、起動時URLの照会と
// 実行中のURLイベント購読を提供する。
package deeplink

import (
	"strings"

	"github.com/hitoshi/linkconfirm/internal/model"
)

// Flow はリンク確認フローの種別ごとの設定を表す。
type Flow struct {
	// Name はAPIで使用するフロー名。
	Name string
	// Kind は正しい形式のリンクを解析したときのペイロード種別。
	Kind model.LinkKind
	// LinkTypes はフラグメントの type パラメータとして受け付ける値。
	LinkTypes []string
	// Markers はこのフロー宛てのURLを判定するためのホスト/パスの部分文字列。
	Markers []string
	// ErrorFallback はエラーを含むリンクに説明が無い場合のメッセージ。
	ErrorFallback string
	// NoLinkData はリンクから認証情報を取り出せなかった場合のメッセージ。
	NoLinkData string
}

// Recovery はパスワードリセットのフロー。
var Recovery = Flow{
	Name:          "recovery",
	Kind:          model.KindRecovery,
	LinkTypes:     []string{"recovery"},
	Markers:       []string{"reset-password", "reset"},
	ErrorFallback: "Reset link is invalid or has expired",
	NoLinkData:    "No valid reset link found",
}

// Verification はメールアドレス確認のフロー。
var Verification = Flow{
	Name:          "verification",
	Kind:          model.KindEmailVerification,
	LinkTypes:     []string{"signup", "email", "invite", "magiclink"},
	Markers:       []string{"verify-email", "verify"},
	ErrorFallback: "Verification link is invalid or has expired",
	NoLinkData:    "No valid verification link found",
}

// FlowByName はフロー名から Flow を返す。
func FlowByName(name string) (Flow, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Recovery.Name, "reset":
		return Recovery, true
	case Verification.Name, "verify":
		return Verification, true
	default:
		return Flow{}, false
	}
}

// WithMarkers はマーカーを差し替えた Flow のコピーを返す。
// 空のマーカーは無視し、すべて空の場合は元の Flow をそのまま返す。
func (f Flow) WithMarkers(markers ...string) Flow {
	var kept []string
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return f
	}
	f.Markers = kept
	return f
}

// Matches はURLがこのフロー宛てかどうかを判定する。
// フラグメント（認証情報を含む）は判定に使用しない。
func (f Flow) Matches(rawURL string) bool {
	target := rawURL
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target = target[:i]
	}
	target = strings.ToLower(target)
	for _, m := range f.Markers {
		if strings.Contains(target, m) {
			return true
		}
	}
	return false
}

// acceptsType はフラグメントの type パラメータを受け付けるかを判定する。
func (f Flow) acceptsType(linkType string) bool {
	for _, t := range f.LinkTypes {
		if linkType == t {
			return true
		}
	}
	return false
}
