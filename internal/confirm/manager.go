package confirm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/linkconfirm/internal/deeplink"
	"github.com/hitoshi/linkconfirm/internal/metrics"
	"github.com/hitoshi/linkconfirm/internal/model"
)

// DefaultMaxScreens は同時にマウントできる画面数の既定値。
const DefaultMaxScreens = 1000

// Manager はマウント中の画面を管理する。
// 画面ごとに独立した ProcessingGuard を持ち、画面間で状態を共有しない。
type Manager struct {
	source     deeplink.Source
	cfg        Config
	deps       Deps
	maxScreens int
	logger     *slog.Logger
	markers    map[string][]string

	mu      sync.RWMutex
	screens map[string]*Screen
}

// NewManager は Manager を生成する。maxScreensが0以下の場合は既定値を使用する。
func NewManager(source deeplink.Source, cfg Config, deps Deps, maxScreens int) *Manager {
	if maxScreens <= 0 {
		maxScreens = DefaultMaxScreens
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopCollector{}
	}
	return &Manager{
		source:     source,
		cfg:        cfg,
		deps:       deps,
		maxScreens: maxScreens,
		logger:     deps.Logger,
		screens:    make(map[string]*Screen),
		markers:    make(map[string][]string),
	}
}

// OverrideMarkers は指定フローのURL判定マーカーを差し替える。
// 以降にマウントする画面に適用される。起動時の設定でのみ呼び出すこと。
func (m *Manager) OverrideMarkers(flowName string, markers ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[flowName] = markers
}

// Mount は新しい画面をマウントする。上限に達している場合は *model.APIError を返す。
func (m *Manager) Mount(ctx context.Context, flow deeplink.Flow, nav NavParams) (*Screen, error) {
	m.mu.Lock()
	if len(m.screens) >= m.maxScreens {
		m.mu.Unlock()
		return nil, model.NewScreenLimitError(m.maxScreens)
	}
	flow = flow.WithMarkers(m.markers[flow.Name]...)
	id := uuid.NewString()
	// 予約してからロック外でマウントする
	m.screens[id] = nil
	m.mu.Unlock()

	screen := Mount(ctx, id, flow, m.source, nav, m.cfg, m.deps)

	m.mu.Lock()
	m.screens[id] = screen
	count := len(m.screens)
	m.mu.Unlock()

	m.deps.Metrics.SetMountedScreens(count)
	m.logger.Info("screen mounted", slog.String("screen_id", id), slog.String("flow", flow.Name))
	return screen, nil
}

// Get は指定IDの画面を返す。
func (m *Manager) Get(id string) (*Screen, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.screens[id]
	if !ok || s == nil {
		return nil, false
	}
	return s, true
}

// Unmount は指定IDの画面をアンマウントする。存在しない場合はfalseを返す。
func (m *Manager) Unmount(id string) bool {
	m.mu.Lock()
	s, ok := m.screens[id]
	if !ok || s == nil {
		m.mu.Unlock()
		return false
	}
	delete(m.screens, id)
	count := len(m.screens)
	m.mu.Unlock()

	s.Close()
	m.deps.Metrics.SetMountedScreens(count)
	m.logger.Info("screen unmounted", slog.String("screen_id", id))
	return true
}

// SweepIdle は最終操作から ttl 以上経過した画面をアンマウントし、その数を返す。
func (m *Manager) SweepIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	var idle []*Screen
	for id, s := range m.screens {
		if s != nil && s.LastActive().Before(cutoff) {
			idle = append(idle, s)
			delete(m.screens, id)
		}
	}
	count := len(m.screens)
	m.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	if len(idle) > 0 {
		m.deps.Metrics.SetMountedScreens(count)
		m.logger.Info("idle screens unmounted", slog.Int("count", len(idle)))
	}
	return len(idle)
}

// CloseAll はすべての画面をアンマウントする。シャットダウン時に使用する。
func (m *Manager) CloseAll() {
	m.mu.Lock()
	screens := m.screens
	m.screens = make(map[string]*Screen)
	m.mu.Unlock()

	for _, s := range screens {
		if s != nil {
			s.Close()
		}
	}
	m.deps.Metrics.SetMountedScreens(0)
}

// Count はマウント中の画面数を返す。
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.screens)
}
