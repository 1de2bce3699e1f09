package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/linkconfirm/internal/middleware"
	"github.com/hitoshi/linkconfirm/internal/model"
)

// maxLinkLength は受け付けるディープリンクURLの最大長。
const maxLinkLength = 8192

// LinkPublisher は受信したディープリンクをマウント中の画面へ配信するインターフェース。
type LinkPublisher interface {
	// Publish はURLを全購読者へ配信し、配信できた購読者数を返す。
	Publish(rawURL string) int
}

// DeepLinkHandler はOSから転送されたディープリンクを受け付けるHTTPハンドラー。
type DeepLinkHandler struct {
	publisher LinkPublisher
}

// NewDeepLinkHandler はDeepLinkHandlerを生成する。
func NewDeepLinkHandler(publisher LinkPublisher) *DeepLinkHandler {
	return &DeepLinkHandler{publisher: publisher}
}

type deepLinkRequest struct {
	URL string `json:"url"`
}

type deepLinkResponse struct {
	Delivered int `json:"delivered"`
}

// Receive は実行中に開かれたディープリンクを受け付ける。
// どの画面宛てかは各画面がURLのマーカーで判定するため、ここでは形式のみ検証する。
// POST /api/deeplinks
func (h *DeepLinkHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var req deepLinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rawURL := strings.TrimSpace(req.URL)
	if err := validateLink(rawURL); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, err)
		return
	}

	delivered := h.publisher.Publish(rawURL)
	writeJSON(w, http.StatusAccepted, deepLinkResponse{Delivered: delivered})
}

// validateLink はディープリンクとして配信できるURLかを検証する。
func validateLink(rawURL string) *model.APIError {
	if rawURL == "" {
		return model.NewInvalidLinkError("url is required")
	}
	if len(rawURL) > maxLinkLength {
		return model.NewInvalidLinkError("url is too long")
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return model.NewInvalidLinkError("url must be absolute")
	}
	return nil
}
