package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/linkconfirm/internal/model"
)

// PostgresAttemptRepo はPostgreSQLを使用した確認試行リポジトリ。
type PostgresAttemptRepo struct {
	db *sql.DB
}

// NewPostgresAttemptRepo はPostgresAttemptRepoを生成する。
func NewPostgresAttemptRepo(db *sql.DB) *PostgresAttemptRepo {
	return &PostgresAttemptRepo{db: db}
}

// Create は試行を作成する。
func (r *PostgresAttemptRepo) Create(ctx context.Context, a *model.Attempt) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO link_attempts
		   (id, screen_id, flow, source, kind, sequence_tag, signature, outcome, message, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.ScreenID, a.Flow, string(a.Source), string(a.Kind), a.SequenceTag,
		a.Signature, string(a.Outcome), a.Message, a.CreatedAt, a.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create link attempt: %w", err)
	}
	return nil
}

// Settle は試行の結果を記録する。
func (r *PostgresAttemptRepo) Settle(ctx context.Context, id string, outcome model.AttemptOutcome, message string, settledAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE link_attempts
		 SET outcome = $2, message = $3, settled_at = $4
		 WHERE id = $1`,
		id, string(outcome), message, settledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to settle link attempt: %w", err)
	}
	return nil
}

// ListByScreen は画面の試行を新しい順に返す。
func (r *PostgresAttemptRepo) ListByScreen(ctx context.Context, screenID string, limit int) ([]*model.Attempt, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, screen_id, flow, source, kind, sequence_tag, signature, outcome, message, created_at, settled_at
		 FROM link_attempts
		 WHERE screen_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		screenID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list link attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*model.Attempt
	for rows.Next() {
		a := &model.Attempt{}
		var source, kind, outcome string
		var settledAt sql.NullTime
		if err := rows.Scan(
			&a.ID, &a.ScreenID, &a.Flow, &source, &kind, &a.SequenceTag,
			&a.Signature, &outcome, &a.Message, &a.CreatedAt, &settledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan link attempt: %w", err)
		}
		a.Source = model.LinkSource(source)
		a.Kind = model.LinkKind(kind)
		a.Outcome = model.AttemptOutcome(outcome)
		if settledAt.Valid {
			t := settledAt.Time
			a.SettledAt = &t
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate link attempts: %w", err)
	}

	return attempts, nil
}

// DeleteOlderThan はcutoffより前に作成された試行を削除する。
func (r *PostgresAttemptRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM link_attempts WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete link attempts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted count: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ AttemptRepository = (*PostgresAttemptRepo)(nil)
