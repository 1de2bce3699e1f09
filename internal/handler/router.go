package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/linkconfirm/internal/metrics"
	"github.com/hitoshi/linkconfirm/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 確認画面
	Screens   ScreenManager
	Attempts  AttemptLister
	Publisher LinkPublisher

	// メール送信
	EmailSender EmailSender
	EmailConfig EmailHandlerConfig

	// 監視
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler
	HealthChecker  HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	deepLinkHandler := NewDeepLinkHandler(deps.Publisher)
	screenHandler := NewScreenHandler(deps.Screens, deps.Attempts)
	emailHandler := NewEmailHandler(deps.EmailSender, deps.EmailConfig, deps.Metrics, logger)

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// POST /api/deeplinks - ディープリンク受信（受信専用レート制限を追加）
		r.With(deps.RateLimiter.DeepLinkMiddleware()).Post("/api/deeplinks", deepLinkHandler.Receive)

		// 確認画面
		r.Route("/api/screens", func(r chi.Router) {
			r.Post("/", screenHandler.Mount)

			r.Route("/{"+middleware.ScreenIDParam+"}", func(r chi.Router) {
				r.Use(middleware.NewScreenMiddleware(deps.Screens))
				r.Get("/", screenHandler.Get)
				r.Delete("/", screenHandler.Unmount)
				r.Post("/password", screenHandler.SubmitPassword)
				r.Post("/retry", screenHandler.Retry)
				r.Get("/attempts", screenHandler.ListAttempts)
			})
		})

		// メール送信
		r.Route("/api/auth", func(r chi.Router) {
			r.Post("/recover", emailHandler.RequestPasswordReset)
			r.Post("/resend", emailHandler.ResendVerification)
		})
	})

	return r
}
