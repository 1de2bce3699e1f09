// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/linkconfirm/internal/model"
)

// DefaultListLimit は履歴一覧の既定の取得件数。
const DefaultListLimit = 50

// AttemptRepository は確認試行の履歴の永続化インターフェース。
// トークンは保存せず、署名の先頭のみを保持する。
type AttemptRepository interface {
	// Create は試行を作成する。
	Create(ctx context.Context, attempt *model.Attempt) error

	// Settle は試行の結果を記録する。存在しないIDの場合は何もしない。
	Settle(ctx context.Context, id string, outcome model.AttemptOutcome, message string, settledAt time.Time) error

	// ListByScreen は画面の試行を新しい順に最大limit件返す。
	ListByScreen(ctx context.Context, screenID string, limit int) ([]*model.Attempt, error)

	// DeleteOlderThan はcutoffより前に作成された試行を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
