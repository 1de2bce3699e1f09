package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/linkconfirm/internal/middleware"
	"github.com/hitoshi/linkconfirm/internal/model"
)

// maxBodyBytes はリクエストボディの最大サイズ。
const maxBodyBytes = 64 << 10

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// decodeJSON はリクエストボディをJSONとして読み込む。
// 失敗した場合は400を書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("request body must be valid JSON"))
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidFlow, model.ErrCodeInvalidLink:
		return http.StatusBadRequest
	case model.ErrCodeScreenNotFound:
		return http.StatusNotFound
	case model.ErrCodeRetryNotAllowed, model.ErrCodeNotReady:
		return http.StatusConflict
	case model.ErrCodeValidationFailed, model.ErrCodeBackendRejected:
		return http.StatusUnprocessableEntity
	case model.ErrCodeScreenLimit, model.ErrCodeEmailRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeBackendFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
