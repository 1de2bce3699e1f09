package model

import (
	"fmt"
	"net/http"
)

// BackendError は認証バックエンドが返したエラーを表す。
// StatusCode が0の場合は応答を受け取る前に失敗したことを示す。
type BackendError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth backend error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("auth backend error (status %d): %s", e.StatusCode, e.Message)
}

// Transient は認証情報の妥当性とは無関係な一時的な失敗かどうかを返す。
// ネットワーク失敗、5xx、429 を一時的な失敗とみなす。
func (e *BackendError) Transient() bool {
	return e.StatusCode == 0 ||
		e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusTooManyRequests
}
