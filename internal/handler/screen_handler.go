package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/linkconfirm/internal/confirm"
	"github.com/hitoshi/linkconfirm/internal/deeplink"
	"github.com/hitoshi/linkconfirm/internal/middleware"
	"github.com/hitoshi/linkconfirm/internal/model"
	"github.com/hitoshi/linkconfirm/internal/repository"
)

// maxAttemptsLimit は確認履歴一覧で一度に取得できる最大件数。
const maxAttemptsLimit = 200

// ScreenManager は確認画面のマウント管理インターフェース。
// confirm.Manager が実装する。
type ScreenManager interface {
	middleware.ScreenFinder
	Mount(ctx context.Context, flow deeplink.Flow, nav confirm.NavParams) (*confirm.Screen, error)
	Unmount(id string) bool
}

// AttemptLister は確認履歴の取得インターフェース。
type AttemptLister interface {
	ListByScreen(ctx context.Context, screenID string, limit int) ([]*model.Attempt, error)
}

// ScreenHandler は確認画面のHTTPハンドラー。
type ScreenHandler struct {
	screens  ScreenManager
	attempts AttemptLister
}

// NewScreenHandler はScreenHandlerを生成する。
func NewScreenHandler(screens ScreenManager, attempts AttemptLister) *ScreenHandler {
	return &ScreenHandler{
		screens:  screens,
		attempts: attempts,
	}
}

// mountRequest は画面マウントリクエストのボディ。
// トークンはナビゲーションパラメータとして渡された場合のみ設定する。
type mountRequest struct {
	Flow         string `json:"flow"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// screenResponse は画面状態のAPIレスポンス。
type screenResponse struct {
	ID          string `json:"id"`
	Flow        string `json:"flow"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	Busy        bool   `json:"busy"`
	FormEnabled bool   `json:"form_enabled"`
	CanRetry    bool   `json:"can_retry"`
	Completed   bool   `json:"completed"`
}

type passwordRequest struct {
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

type passwordResponse struct {
	Message         string `json:"message"`
	RedirectTo      string `json:"redirect_to"`
	RedirectAfterMs int64  `json:"redirect_after_ms"`
}

type retryResponse struct {
	Decision string         `json:"decision"`
	Screen   screenResponse `json:"screen"`
}

type attemptResponse struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Kind        string     `json:"kind"`
	SequenceTag int64      `json:"sequence_tag"`
	Signature   string     `json:"signature"`
	Outcome     string     `json:"outcome"`
	Message     string     `json:"message"`
	CreatedAt   time.Time  `json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

// Mount は確認画面をマウントする。
// POST /api/screens
func (h *ScreenHandler) Mount(w http.ResponseWriter, r *http.Request) {
	var req mountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	flow, ok := deeplink.FlowByName(req.Flow)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidFlowError(req.Flow))
		return
	}

	screen, err := h.screens.Mount(r.Context(), flow, confirm.NavParams{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Location", "/api/screens/"+screen.ID)
	writeJSON(w, http.StatusCreated, toScreenResponse(screen.Snapshot()))
}

// Get は画面の現在の状態を返す。
// GET /api/screens/{id}
func (h *ScreenHandler) Get(w http.ResponseWriter, r *http.Request) {
	screen, ok := h.screenFrom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toScreenResponse(screen.Snapshot()))
}

// Unmount は画面をアンマウントする。保持しているセッションはサインアウトされる。
// DELETE /api/screens/{id}
func (h *ScreenHandler) Unmount(w http.ResponseWriter, r *http.Request) {
	screen, ok := h.screenFrom(w, r)
	if !ok {
		return
	}
	if !h.screens.Unmount(screen.ID) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewScreenNotFoundError(screen.ID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitPassword は新しいパスワードを送信する。
// POST /api/screens/{id}/password
func (h *ScreenHandler) SubmitPassword(w http.ResponseWriter, r *http.Request) {
	screen, ok := h.screenFrom(w, r)
	if !ok {
		return
	}

	var req passwordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := screen.Orchestrator().Submit(r.Context(), confirm.CredentialForm{
		NewValue:     req.NewPassword,
		ConfirmValue: req.ConfirmPassword,
	})
	if err != nil {
		var fe *confirm.FieldError
		if errors.As(err, &fe) {
			if fe.Field == "" {
				middleware.WriteErrorResponse(w, http.StatusConflict, model.NewNotReadyError(fe.Message))
				return
			}
			middleware.WriteFieldError(w, fe.Field, fe.Message)
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, passwordResponse{
		Message:         result.Message,
		RedirectTo:      result.RedirectTo,
		RedirectAfterMs: result.RedirectAfter.Milliseconds(),
	})
}

// Retry は直近のリンクで確認をやり直す。
// POST /api/screens/{id}/retry
func (h *ScreenHandler) Retry(w http.ResponseWriter, r *http.Request) {
	screen, ok := h.screenFrom(w, r)
	if !ok {
		return
	}

	decision, err := screen.Orchestrator().Retry(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, retryResponse{
		Decision: string(decision),
		Screen:   toScreenResponse(screen.Snapshot()),
	})
}

// ListAttempts は画面の確認履歴を新しい順に返す。
// GET /api/screens/{id}/attempts?limit=N
func (h *ScreenHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	screen, ok := h.screenFrom(w, r)
	if !ok {
		return
	}

	limit := repository.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest,
				model.NewInvalidRequestError("limit must be a positive integer"))
			return
		}
		limit = min(n, maxAttemptsLimit)
	}

	attempts, err := h.attempts.ListByScreen(r.Context(), screen.ID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]attemptResponse, len(attempts))
	for i, a := range attempts {
		results[i] = toAttemptResponse(a)
	}
	writeJSON(w, http.StatusOK, results)
}

// screenFrom はミドルウェアが注入した画面を取り出す。
func (h *ScreenHandler) screenFrom(w http.ResponseWriter, r *http.Request) (*confirm.Screen, bool) {
	screen, ok := middleware.ScreenFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewScreenNotFoundError(""))
		return nil, false
	}
	return screen, true
}

func toScreenResponse(s confirm.Snapshot) screenResponse {
	return screenResponse{
		ID:          s.ScreenID,
		Flow:        s.Flow,
		Status:      string(s.Status),
		Message:     s.Message,
		Busy:        s.Busy,
		FormEnabled: s.FormEnabled,
		CanRetry:    s.CanRetry,
		Completed:   s.Completed,
	}
}

func toAttemptResponse(a *model.Attempt) attemptResponse {
	return attemptResponse{
		ID:          a.ID,
		Source:      string(a.Source),
		Kind:        string(a.Kind),
		SequenceTag: a.SequenceTag,
		Signature:   a.Signature,
		Outcome:     string(a.Outcome),
		Message:     a.Message,
		CreatedAt:   a.CreatedAt,
		SettledAt:   a.SettledAt,
	}
}
