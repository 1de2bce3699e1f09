package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: link, validation, auth, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeInvalidFlow      = "INVALID_FLOW"
	ErrCodeInvalidLink      = "INVALID_LINK"
	ErrCodeScreenNotFound   = "SCREEN_NOT_FOUND"
	ErrCodeScreenLimit      = "SCREEN_LIMIT"
	ErrCodeRetryNotAllowed  = "RETRY_NOT_ALLOWED"
	ErrCodeNotReady         = "NOT_READY"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeBackendRejected  = "BACKEND_REJECTED"
	ErrCodeBackendFailure   = "BACKEND_FAILURE"
	ErrCodeEmailRateLimited = "EMAIL_RATE_LIMITED"
)

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Check the request body and try again.",
	}
}

// NewInvalidFlowError は未知のフロー名が指定された場合のエラーを生成する。
func NewInvalidFlowError(flow string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFlow,
		Message:  fmt.Sprintf("Unknown confirmation flow: %s", flow),
		Category: "validation",
		Action:   "Use either recovery or verification.",
	}
}

// NewInvalidLinkError はディープリンクとして受け付けられないURLのエラーを生成する。
func NewInvalidLinkError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLink,
		Message:  fmt.Sprintf("Invalid link: %s", reason),
		Category: "link",
		Action:   "Open the link from your email again.",
	}
}

// NewScreenNotFoundError は画面インスタンスが見つからない場合のエラーを生成する。
func NewScreenNotFoundError(screenID string) *APIError {
	return &APIError{
		Code:     ErrCodeScreenNotFound,
		Message:  fmt.Sprintf("Screen not found: %s", screenID),
		Category: "link",
		Action:   "Open the confirmation screen again.",
	}
}

// NewScreenLimitError は同時にマウントできる画面数の上限に達した場合のエラーを生成する。
func NewScreenLimitError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeScreenLimit,
		Message:  fmt.Sprintf("Too many open confirmation screens (limit %d).", limit),
		Category: "system",
		Action:   "Close an existing confirmation screen and try again.",
	}
}

// NewRetryNotAllowedError はError以外の状態で再試行が要求された場合のエラーを生成する。
func NewRetryNotAllowedError(status ConfirmationStatus) *APIError {
	return &APIError{
		Code:     ErrCodeRetryNotAllowed,
		Message:  fmt.Sprintf("Retry is only available after a failure (current status: %s).", status),
		Category: "link",
		Action:   "Wait for the current confirmation to finish.",
	}
}

// NewNotReadyError は確認が完了していない画面でパスワード更新が要求された場合のエラーを生成する。
func NewNotReadyError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeNotReady,
		Message:  message,
		Category: "link",
		Action:   "Wait for the link to be verified, or open it again from your email.",
	}
}

// NewValidationError はフォームの入力検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  message,
		Category: "validation",
		Action:   "Correct the highlighted field and submit again.",
	}
}

// NewBackendRejectedError は認証バックエンドが要求を拒否した場合のエラーを生成する。
// メッセージはバックエンドから受け取ったものをそのまま使用する。
func NewBackendRejectedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeBackendRejected,
		Message:  message,
		Category: "auth",
		Action:   "Correct the input and try again.",
	}
}

// NewBackendFailureError は認証バックエンドとの通信に失敗した場合のエラーを生成する。
func NewBackendFailureError() *APIError {
	return &APIError{
		Code:     ErrCodeBackendFailure,
		Message:  "Something went wrong. Please try again in a moment.",
		Category: "system",
		Action:   "Check your connection and try again.",
	}
}

// NewEmailRateLimitedError はメール送信要求が多すぎる場合のエラーを生成する。
func NewEmailRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailRateLimited,
		Message:  "Too many email requests. Please wait before requesting another email.",
		Category: "auth",
		Action:   "Check your inbox for an earlier email, or try again in a minute.",
	}
}
