// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/linkconfirm/internal/confirm"
	"github.com/hitoshi/linkconfirm/internal/model"
)

// ScreenIDParam は画面IDを表すURLパラメータ名。
const ScreenIDParam = "id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// screenContextKey はリクエストコンテキストに画面を格納するためのキー。
var screenContextKey = contextKey("screen")

// ScreenFinder はマウント中の画面の検索に必要なインターフェース。
// confirm.Manager の部分集合として定義する。
type ScreenFinder interface {
	Get(id string) (*confirm.Screen, bool)
}

// NewScreenMiddleware はURLパラメータの画面IDからマウント中の画面を検索し、
// リクエストコンテキストに注入するミドルウェアを返す。
// 見つからない場合は404を返す。見つかった画面は最終操作時刻を更新する。
func NewScreenMiddleware(finder ScreenFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, ScreenIDParam)
			screen, ok := finder.Get(id)
			if !ok {
				WriteErrorResponse(w, http.StatusNotFound, model.NewScreenNotFoundError(id))
				return
			}
			screen.Touch()
			annotate(r.Context(), "screen_id", screen.ID)

			ctx := context.WithValue(r.Context(), screenContextKey, screen)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ScreenFromContext はリクエストコンテキストから画面を取得する。
// 画面ミドルウェアを通過したリクエストでのみ有効。
func ScreenFromContext(ctx context.Context) (*confirm.Screen, bool) {
	screen, ok := ctx.Value(screenContextKey).(*confirm.Screen)
	return screen, ok && screen != nil
}

// ContextWithScreen はコンテキストに画面を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithScreen(ctx context.Context, screen *confirm.Screen) context.Context {
	return context.WithValue(ctx, screenContextKey, screen)
}
