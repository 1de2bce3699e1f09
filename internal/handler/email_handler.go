package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/hitoshi/linkconfirm/internal/gotrue"
	"github.com/hitoshi/linkconfirm/internal/metrics"
	"github.com/hitoshi/linkconfirm/internal/middleware"
	"github.com/hitoshi/linkconfirm/internal/model"
)

// EmailSender は認証バックエンドにメール送信を依頼するインターフェース。
// gotrue.Client が実装する。
type EmailSender interface {
	RequestPasswordReset(ctx context.Context, email, redirectTo string) error
	ResendVerification(ctx context.Context, email, redirectTo string) error
}

// EmailHandlerConfig はメール送信ハンドラーの設定。
type EmailHandlerConfig struct {
	// RecoveryRedirectTo はリセットメールのリンク先の既定値。
	RecoveryRedirectTo string
	// VerificationRedirectTo は確認メールのリンク先の既定値。
	VerificationRedirectTo string
}

// EmailHandler はリセットメール・確認メールの送信要求を処理するHTTPハンドラー。
type EmailHandler struct {
	sender  EmailSender
	config  EmailHandlerConfig
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewEmailHandler はEmailHandlerを生成する。
func NewEmailHandler(sender EmailSender, config EmailHandlerConfig, collector metrics.MetricsCollector, logger *slog.Logger) *EmailHandler {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailHandler{
		sender:  sender,
		config:  config,
		metrics: collector,
		logger:  logger,
	}
}

type emailRequest struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirect_to"`
}

type emailResponse struct {
	Message string `json:"message"`
}

// 送信結果のメッセージ。アカウントの有無を推測されないよう、成功時は常に同じ文言を返す。
const (
	msgResetEmailSent        = "Check your email for a link to reset your password."
	msgVerificationEmailSent = "A new verification link has been sent to your email."
)

// RequestPasswordReset はパスワードリセットメールの送信を依頼する。
// POST /api/auth/recover
func (h *EmailHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "recovery", h.config.RecoveryRedirectTo, msgResetEmailSent, h.sender.RequestPasswordReset)
}

// ResendVerification は確認メールの再送を依頼する。
// POST /api/auth/resend
func (h *EmailHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "signup", h.config.VerificationRedirectTo, msgVerificationEmailSent, h.sender.ResendVerification)
}

func (h *EmailHandler) handle(
	w http.ResponseWriter,
	r *http.Request,
	kind, defaultRedirect, successMessage string,
	send func(ctx context.Context, email, redirectTo string) error,
) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	email, ok := normalizeEmail(req.Email)
	if !ok {
		h.metrics.RecordEmailRequest(kind, "invalid")
		middleware.WriteFieldError(w, "email", "Please enter a valid email address.")
		return
	}

	redirectTo := strings.TrimSpace(req.RedirectTo)
	if redirectTo == "" {
		redirectTo = defaultRedirect
	}

	if err := send(r.Context(), email, redirectTo); err != nil {
		if errors.Is(err, gotrue.ErrEmailRateLimited) {
			h.metrics.RecordEmailRequest(kind, "rate_limited")
			middleware.WriteErrorResponse(w, http.StatusTooManyRequests, model.NewEmailRateLimitedError())
			return
		}
		h.metrics.RecordEmailRequest(kind, "failed")
		h.logger.Warn("email request failed",
			slog.String("kind", kind),
			slog.Any("error", err),
		)
		apiErr := emailFailure(err)
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	h.metrics.RecordEmailRequest(kind, "sent")
	writeJSON(w, http.StatusOK, emailResponse{Message: successMessage})
}

// normalizeEmail はメールアドレスを検証し、前後の空白を除いたアドレスを返す。
// 表示名付きの形式（"Name <a@example.com>"）は受け付けない。
func normalizeEmail(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", false
	}
	return addr.Address, true
}

// emailFailure はメール送信の失敗をUI向けのエラーに変換する。
func emailFailure(err error) *model.APIError {
	var be *model.BackendError
	if errors.As(err, &be) && !be.Transient() && be.Message != "" {
		return model.NewBackendRejectedError(be.Message)
	}
	return model.NewBackendFailureError()
}
