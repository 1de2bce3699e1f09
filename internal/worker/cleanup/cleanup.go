// Package cleanup は確認試行履歴の自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過した link_attempts を定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は履歴の既定の保持日数。
const DefaultRetentionDays = 30

// DefaultInterval はクリーンアップの既定の実行間隔。
const DefaultInterval = 24 * time.Hour

// Pruner は指定時刻より古い履歴を削除するインターフェース。
// repository.AttemptRepository の実装をそのまま渡せる。
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した確認試行の自動削除ジョブ。
// 削除対象がない場合もエラーにならない。
type CleanupJob struct {
	store         Pruner
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 履歴の保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(store Pruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		store:         store,
		logger:        logger,
		now:           time.Now,
		RetentionDays: DefaultRetentionDays,
	}
}

// Run は保持期間を超過した確認試行を削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("確認履歴クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("確認履歴クリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("確認履歴クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は interval ごとに Run を実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。interval が0以下の場合は24時間とする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("確認履歴クリーンアップを開始しました",
		slog.Duration("interval", interval),
	)

	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("確認履歴クリーンアップを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
