package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/linkconfirm/internal/model"
)

// DefaultMemoryCapacity はMemoryAttemptRepoが保持する試行数の既定の上限。
const DefaultMemoryCapacity = 10000

// MemoryAttemptRepo はプロセス内に履歴を保持する確認試行リポジトリ。
// DATABASE_URL を設定しない場合に使用する。上限を超えると古い試行から破棄する。
type MemoryAttemptRepo struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	attempts map[string]*model.Attempt
}

// NewMemoryAttemptRepo はMemoryAttemptRepoを生成する。capacityが0以下の場合は既定値を使用する。
func NewMemoryAttemptRepo(capacity int) *MemoryAttemptRepo {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryAttemptRepo{
		capacity: capacity,
		attempts: make(map[string]*model.Attempt),
	}
}

// Create は試行を作成する。
func (r *MemoryAttemptRepo) Create(_ context.Context, a *model.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *a
	if _, exists := r.attempts[a.ID]; !exists {
		r.order = append(r.order, a.ID)
	}
	r.attempts[a.ID] = &cp

	for len(r.order) > r.capacity {
		delete(r.attempts, r.order[0])
		r.order = r.order[1:]
	}
	return nil
}

// Settle は試行の結果を記録する。
func (r *MemoryAttemptRepo) Settle(_ context.Context, id string, outcome model.AttemptOutcome, message string, settledAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[id]
	if !ok {
		return nil
	}
	a.Outcome = outcome
	a.Message = message
	t := settledAt
	a.SettledAt = &t
	return nil
}

// ListByScreen は画面の試行を新しい順に返す。
func (r *MemoryAttemptRepo) ListByScreen(_ context.Context, screenID string, limit int) ([]*model.Attempt, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	r.mu.RLock()
	var result []*model.Attempt
	for _, a := range r.attempts {
		if a.ScreenID == screenID {
			cp := *a
			result = append(result, &cp)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DeleteOlderThan はcutoffより前に作成された試行を削除する。
func (r *MemoryAttemptRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	kept := r.order[:0]
	for _, id := range r.order {
		if r.attempts[id].CreatedAt.Before(cutoff) {
			delete(r.attempts, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return deleted, nil
}

// compile-time interface check
var _ AttemptRepository = (*MemoryAttemptRepo)(nil)
