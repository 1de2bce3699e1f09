package middleware

import (
	"net/http"
	"strings"
)

// NewCORSMiddleware はUIシェルのオリジンからのクロスオリジン呼び出しを許可するミドルウェアを返す。
//
// allowedOrigins はカンマ区切りで複数指定できる。リクエストの Origin が一致した場合のみ
// そのオリジンを返す。空の場合はヘッダーを付与しない（同一オリジンのみ）。
// 画面のマウント結果は Location ヘッダーで返すため、Expose-Headers に含める。
// OPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	allowed := make(map[string]struct{})
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			allowed[o] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) > 0 {
				w.Header().Add("Vary", "Origin")
				if origin := r.Header.Get("Origin"); origin != "" {
					if _, ok := allowed[origin]; ok {
						h := w.Header()
						h.Set("Access-Control-Allow-Origin", origin)
						h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
						h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
						h.Set("Access-Control-Expose-Headers", "Location, Retry-After, X-Request-Id")
						h.Set("Access-Control-Max-Age", "86400")
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
