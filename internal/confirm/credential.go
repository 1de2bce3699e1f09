package confirm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/linkconfirm/internal/model"
)

// MinPasswordLength は新しいパスワードの最小文字数。
const MinPasswordLength = 8

// 入力検証のメッセージ
const (
	msgFieldsRequired   = "Please complete both password fields."
	msgPasswordTooShort = "Password must be at least 8 characters long."
	msgPasswordMismatch = "Passwords do not match. Please try again."
	msgUpdateInProgress = "Your password update is already in progress."
)

// CredentialForm は新しいパスワードの入力フォーム。
type CredentialForm struct {
	NewValue     string
	ConfirmValue string
}

// FieldError はバックエンドに送信する前に検出した入力エラー。
// Field が空の場合はフォーム全体に対するエラーを表す。
type FieldError struct {
	Field   string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *FieldError) Error() string {
	return e.Message
}

// Validate はフォームの入力を検証する。問題が無い場合はnilを返す。
// 文字数はバイト数ではなく文字（rune）数で判定する。
func (f CredentialForm) Validate() *FieldError {
	switch {
	case f.NewValue == "":
		return &FieldError{Field: "new_password", Message: msgFieldsRequired}
	case f.ConfirmValue == "":
		return &FieldError{Field: "confirm_password", Message: msgFieldsRequired}
	case len([]rune(f.NewValue)) < MinPasswordLength:
		return &FieldError{Field: "new_password", Message: msgPasswordTooShort}
	case f.NewValue != f.ConfirmValue:
		return &FieldError{Field: "confirm_password", Message: msgPasswordMismatch}
	}
	return nil
}

// SubmitResult はパスワード更新成功時の結果。
type SubmitResult struct {
	Message       string
	RedirectTo    string
	RedirectAfter time.Duration
}

// Submit は Ready 状態で確立したセッションを使用してパスワードを更新する。
//
// 入力が不正な場合、または状態が Ready でない場合は *FieldError を返し、バックエンドには送信しない。
// バックエンドが拒否した場合は *model.APIError を返し、状態は Ready のまま維持する。
// 成功した場合はガードを初期化し、保持していたセッションをサインアウトする。
func (o *Orchestrator) Submit(ctx context.Context, form CredentialForm) (*SubmitResult, error) {
	if fe := form.Validate(); fe != nil {
		return nil, fe
	}

	o.mu.Lock()
	if o.closed || o.state.Status != model.StatusReady || o.session == nil || o.flow.Kind != model.KindRecovery {
		o.mu.Unlock()
		return nil, &FieldError{Message: o.msgs.NotReady}
	}
	if o.submitting {
		o.mu.Unlock()
		return nil, &FieldError{Message: msgUpdateInProgress}
	}
	o.submitting = true
	session := o.session
	o.mu.Unlock()

	err := o.backend.UpdateCredential(ctx, session, form.NewValue)

	o.mu.Lock()
	o.submitting = false
	if err != nil {
		o.mu.Unlock()
		o.metrics.RecordCredentialUpdate("failed")
		o.logger.Warn("credential update failed", slog.Any("error", err))
		return nil, credentialFailure(err)
	}

	// 更新中に置き換え・破棄された場合も、パスワードの変更自体は完了している
	var held *model.Session
	if !o.closed && o.session == session {
		o.guard.Reset()
		o.captured = nil
		held = o.session
		o.session = nil
		o.completed = true
		o.state = model.ConfirmationState{Status: model.StatusIdle, Message: o.msgs.Completed}
	}
	o.mu.Unlock()

	o.metrics.RecordCredentialUpdate("updated")
	o.logger.Info("credential updated")
	o.signOutAsync(held, "completed")

	return &SubmitResult{
		Message:       o.msgs.Completed,
		RedirectTo:    o.cfg.RedirectTo,
		RedirectAfter: o.cfg.RedirectDelay,
	}, nil
}

// credentialFailure はパスワード更新の失敗をUI向けのエラーに変換する。
// 認証情報に関する拒否はバックエンドのメッセージをそのまま使用する。
func credentialFailure(err error) *model.APIError {
	var be *model.BackendError
	if errors.As(err, &be) && !be.Transient() && be.Message != "" {
		return model.NewBackendRejectedError(be.Message)
	}
	return model.NewBackendFailureError()
}
