package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/linkconfirm/internal/config"
	"github.com/hitoshi/linkconfirm/internal/confirm"
	"github.com/hitoshi/linkconfirm/internal/database"
	"github.com/hitoshi/linkconfirm/internal/deeplink"
	"github.com/hitoshi/linkconfirm/internal/gotrue"
	"github.com/hitoshi/linkconfirm/internal/handler"
	"github.com/hitoshi/linkconfirm/internal/logger"
	"github.com/hitoshi/linkconfirm/internal/metrics"
	"github.com/hitoshi/linkconfirm/internal/middleware"
	"github.com/hitoshi/linkconfirm/internal/repository"
	"github.com/hitoshi/linkconfirm/internal/security"
	"github.com/hitoshi/linkconfirm/internal/worker/cleanup"
	"github.com/hitoshi/linkconfirm/internal/worker/sweep"
)

const (
	// sweepInterval はアイドル画面を確認する間隔。
	sweepInterval = time.Minute
	// shutdownTimeout はグレースフルシャットダウンの上限時間。
	shutdownTimeout = 30 * time.Second
	// dbPingTimeout は起動時のDB接続確認の上限時間。
	dbPingTimeout = 5 * time.Second
	// minWriteTimeout はレスポンス書き込みの上限時間の下限。
	minWriteTimeout = 15 * time.Second
	// writeTimeoutMargin はバックエンド待ちの上限に加える余裕。
	writeTimeoutMargin = 5 * time.Second
)

// compile-time interface checks
var (
	_ confirm.Backend       = (*gotrue.Client)(nil)
	_ handler.EmailSender   = (*gotrue.Client)(nil)
	_ handler.LinkPublisher = (*deeplink.Hub)(nil)
	_ handler.HealthChecker = (*sql.DB)(nil)
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck と open は軽量サブコマンドのため、フル初期化をスキップする
	switch cmd {
	case CommandHealthcheck:
		return runHealthcheck(localURL("/health"))
	case CommandOpen:
		if len(args) < 2 {
			return errors.New("usage: linkconfirm open <url>")
		}
		return runOpen(localURL("/api/deeplinks"), args[1])
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("auth_url", cfg.AuthURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return Serve(ctx, cfg, slog.Default())
	}
}

// Serve はAPIサーバーとバックグラウンドジョブを起動し、ctxがキャンセルされるまでブロックする。
// キャンセル後はHTTPサーバーをグレースフルシャットダウンし、すべての画面をアンマウントする。
func Serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// 1. 認証バックエンドのクライアント
	guard := security.NewOutboundGuard(cfg.AuthAllowPrivateNetwork)
	if err := guard.ValidateBackendURL(cfg.AuthURL); err != nil {
		return fmt.Errorf("invalid AUTH_URL: %w", err)
	}
	backend, err := gotrue.NewClient(guard.NewClient(cfg.AuthRequestTimeout), gotrue.Config{
		BaseURL:    cfg.AuthURL,
		AnonKey:    cfg.AuthAnonKey,
		EmailRate:  cfg.EmailRatePerMinute,
		EmailBurst: cfg.EmailBurst,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create auth client: %w", err)
	}

	// 2. 確認履歴の保存先
	store, db, err := openAttemptStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 4. ディープリンク配信元と画面管理
	hub := deeplink.NewHub(cfg.InitialURL, 0, log)
	manager := confirm.NewManager(hub, confirm.Config{
		Timeout:       cfg.ConfirmTimeout,
		RedirectTo:    cfg.RedirectTo,
		RedirectDelay: cfg.RedirectDelay,
	}, confirm.Deps{
		Backend:   backend,
		Recorder:  store,
		Metrics:   collector,
		Sanitizer: security.NewMessageSanitizer(),
		Logger:    log,
	}, cfg.MaxScreens)
	manager.OverrideMarkers(deeplink.Recovery.Name, cfg.ResetLinkMarkers...)
	manager.OverrideMarkers(deeplink.Verification.Name, cfg.VerifyLinkMarkers...)
	defer manager.CloseAll()

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg), log)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            log,

		Screens:   manager,
		Attempts:  store,
		Publisher: hub,

		EmailSender: backend,
		EmailConfig: handler.EmailHandlerConfig{
			RecoveryRedirectTo:     cfg.RecoveryRedirectURL,
			VerificationRedirectTo: cfg.VerificationRedirectURL,
		},

		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),
	}
	if db != nil {
		deps.HealthChecker = db
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	// 6. サーバーとバックグラウンドジョブの起動
	cleanupJob := newCleanupJob(store, cfg, log)
	sweeper := sweep.NewSweeper(manager, cfg.ScreenIdleTTL, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		cleanupJob.Start(gctx, cfg.CleanupInterval)
		return nil
	})
	g.Go(func() error {
		sweeper.Start(gctx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("API server stopped gracefully", slog.Int("screens", manager.Count()))
	return nil
}

// openAttemptStore は確認履歴の保存先を開く。
// DATABASE_URL が未設定の場合はメモリ上に保持し、*sql.DB は nil を返す。
func openAttemptStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.AttemptRepository, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL is not set; attempt history is kept in memory")
		return repository.NewMemoryAttemptRepo(repository.DefaultMemoryCapacity), nil, nil
	}

	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, nil, err
	}

	log.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return repository.NewPostgresAttemptRepo(db), db, nil
}

// rateLimiterConfig は req/min 単位の設定を req/sec に変換する。
// 0以下の値はデフォルト値のまま使用する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlc := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlc.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rlc.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitDeepLink > 0 {
		rlc.DeepLinkRate = rate.Limit(float64(cfg.RateLimitDeepLink) / 60.0)
		rlc.DeepLinkBurst = cfg.RateLimitDeepLink
	}
	return rlc
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runCleanup は保持期間を過ぎた確認履歴を1回だけ削除する。
// cronなど外部スケジューラから起動する場合に使用する。
func runCleanup(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for cleanup")
	}

	ctx := context.Background()
	store, db, err := openAttemptStore(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer db.Close()

	return newCleanupJob(store, cfg, slog.Default()).Run(ctx)
}

// newCleanupJob は設定の保持日数を反映したクリーンアップジョブを生成する。
// 保持日数が0以下の場合は既定値を使用する。
func newCleanupJob(store cleanup.Pruner, cfg *config.Config, log *slog.Logger) *cleanup.CleanupJob {
	job := cleanup.NewCleanupJob(store, log)
	if cfg.LogRetentionDays > 0 {
		job.RetentionDays = cfg.LogRetentionDays
	}
	return job
}

// writeTimeout はレスポンス書き込みの上限時間を返す。
// 再試行とパスワード更新はバックエンドの応答を待ってから応答するため、その上限より長くする。
func writeTimeout(cfg *config.Config) time.Duration {
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = confirm.DefaultTimeout
	}
	return max(minWriteTimeout, max(confirmTimeout, cfg.AuthRequestTimeout)+writeTimeoutMargin)
}

// localURL はローカルで起動中のサーバーのURLを組み立てる。
// SERVER_URL が設定されている場合はそちらを優先する。
func localURL(path string) string {
	base := os.Getenv("SERVER_URL")
	if base == "" {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		base = "http://localhost:" + port
	}
	return base + path
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// runOpen は起動中のサーバーへディープリンクを配信する。
// OSのURLハンドラーから `linkconfirm open <url>` として呼び出される。
func runOpen(endpoint, rawURL string) error {
	body, err := json.Marshal(map[string]string{"url": rawURL})
	if err != nil {
		return fmt.Errorf("failed to encode deep link: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to deliver deep link: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("deep link delivery returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
