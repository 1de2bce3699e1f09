// Package sweep は放置された確認画面のアンマウント処理を提供する。
package sweep

import (
	"context"
	"log/slog"
	"time"
)

// IdleSweeper は一定時間操作のない画面をアンマウントするインターフェース。
// confirm.Manager が実装する。
type IdleSweeper interface {
	SweepIdle(ttl time.Duration) int
}

// Sweeper は一定間隔で放置画面をアンマウントする。
// マウントしたまま放置された画面が保持するセッションと購読を解放する。
type Sweeper struct {
	screens IdleSweeper
	ttl     time.Duration
	logger  *slog.Logger
}

// NewSweeper は Sweeper を生成する。
func NewSweeper(screens IdleSweeper, ttl time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		screens: screens,
		ttl:     ttl,
		logger:  logger,
	}
}

// Start は interval ごとに RunOnce を実行する。
// ttl が0以下の場合は何もせずに戻る。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 {
		s.logger.Info("放置画面の掃除は無効です")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("放置画面の掃除を開始しました",
		slog.Duration("interval", interval),
		slog.Duration("idle_ttl", s.ttl),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("放置画面の掃除を停止しました")
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce は放置画面を1回掃除し、アンマウントした数を返す。
func (s *Sweeper) RunOnce() int {
	start := time.Now()
	n := s.screens.SweepIdle(s.ttl)
	if n > 0 {
		s.logger.Info("放置画面をアンマウントしました",
			slog.Int("screen_count", n),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}
	return n
}
