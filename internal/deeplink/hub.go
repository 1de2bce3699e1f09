package deeplink

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultSubscriptionBuffer は購読ごとのイベントバッファ数の既定値。
const DefaultSubscriptionBuffer = 16

// Source はディープリンクの配信元のインターフェース。
// 同じURLが起動時URLとイベントの両方から届くことがあり、
// 配信がちょうど1回であることは保証しない。
type Source interface {
	// InitialURL はプロセス起動時に渡されたURLを返す。無い場合は空文字列を返す。
	// 何度呼び出しても同じURLを返す。
	InitialURL(ctx context.Context) (string, error)
	// Subscribe はURLイベントの購読を開始する。
	// 呼び出し側は不要になった時点で必ず Close を呼ぶこと。
	Subscribe() *Subscription
}

// Subscription はURLイベントの購読ハンドル。
type Subscription struct {
	id     uint64
	events chan string
	hub    *Hub
	once   sync.Once
}

// Events は配信されたURLを受け取るチャネルを返す。Close後にクローズされる。
func (s *Subscription) Events() <-chan string {
	return s.events
}

// Close は購読を解除する。複数回呼び出しても安全。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.id)
	})
}

// Hub はプロセス内のディープリンク配信元。
// 起動時URLを保持し、Publish されたURLを全購読者にファンアウトする。
type Hub struct {
	initialURL string
	buffer     int
	logger     *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]chan string
	nextID uint64
}

// NewHub はHubを生成する。bufferが0以下の場合は既定値を使用する。
func NewHub(initialURL string, buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		initialURL: initialURL,
		buffer:     buffer,
		logger:     logger,
		subs:       make(map[uint64]chan string),
	}
}

// InitialURL は起動時URLを返す。
func (h *Hub) InitialURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return h.initialURL, nil
}

// Subscribe はURLイベントの購読を開始する。
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ch := make(chan string, h.buffer)
	h.subs[h.nextID] = ch

	return &Subscription{id: h.nextID, events: ch, hub: h}
}

// Publish はURLを全購読者に配信し、配信できた購読者数を返す。
// バッファが埋まっている購読者への配信は破棄する（ブロックしない）。
func (h *Hub) Publish(rawURL string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for id, ch := range h.subs {
		select {
		case ch <- rawURL:
			delivered++
		default:
			h.logger.Warn("deep link dropped: subscriber buffer full",
				slog.Uint64("subscription_id", id),
			)
		}
	}
	return delivered
}

// SubscriberCount は現在の購読者数を返す。
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// remove は購読を削除しチャネルをクローズする。
// Publish はRLock中に送信するため、Lock取得後のクローズは送信と競合しない。
func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// compile-time interface check
var _ Source = (*Hub)(nil)
