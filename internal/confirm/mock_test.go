package confirm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/linkconfirm/internal/metrics"
	"github.com/hitoshi/linkconfirm/internal/model"
)

// --- モック定義 ---

type mockBackend struct {
	exchangeFn func(ctx context.Context, accessToken, refreshToken string) (*model.Session, error)
	updateFn   func(ctx context.Context, session *model.Session, newPassword string) error
	signOutFn  func(ctx context.Context, session *model.Session) error

	mu            sync.Mutex
	exchangeCalls []string
	updateCalls   []string
	signOuts      []*model.Session
	signedOut     chan *model.Session
}

func newMockBackend() *mockBackend {
	return &mockBackend{signedOut: make(chan *model.Session, 16)}
}

func (m *mockBackend) ExchangeForSession(ctx context.Context, accessToken, refreshToken string) (*model.Session, error) {
	m.mu.Lock()
	m.exchangeCalls = append(m.exchangeCalls, accessToken)
	m.mu.Unlock()
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, accessToken, refreshToken)
	}
	return &model.Session{AccessToken: accessToken, RefreshToken: refreshToken, UserID: "user-1"}, nil
}

func (m *mockBackend) UpdateCredential(ctx context.Context, session *model.Session, newPassword string) error {
	m.mu.Lock()
	m.updateCalls = append(m.updateCalls, newPassword)
	m.mu.Unlock()
	if m.updateFn != nil {
		return m.updateFn(ctx, session, newPassword)
	}
	return nil
}

func (m *mockBackend) SignOut(ctx context.Context, session *model.Session) error {
	m.mu.Lock()
	m.signOuts = append(m.signOuts, session)
	m.mu.Unlock()
	m.signedOut <- session
	if m.signOutFn != nil {
		return m.signOutFn(ctx, session)
	}
	return nil
}

func (m *mockBackend) exchanges() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.exchangeCalls...)
}

func (m *mockBackend) updates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.updateCalls...)
}

type mockRecorder struct {
	mu       sync.Mutex
	created  []*model.Attempt
	outcomes map[string]model.AttemptOutcome
}

func (m *mockRecorder) Create(_ context.Context, attempt *model.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, attempt)
	if m.outcomes == nil {
		m.outcomes = make(map[string]model.AttemptOutcome)
	}
	m.outcomes[attempt.ID] = attempt.Outcome
	return nil
}

func (m *mockRecorder) Settle(_ context.Context, id string, outcome model.AttemptOutcome, _ string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]model.AttemptOutcome)
	}
	m.outcomes[id] = outcome
	return nil
}

func (m *mockRecorder) outcomeOf(i int) model.AttemptOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[m.created[i].ID]
}

type recordingMetrics struct {
	metrics.NopCollector

	mu         sync.Mutex
	deliveries []string
}

func (m *recordingMetrics) RecordDelivery(source, decision string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, source+":"+decision)
}

func (m *recordingMetrics) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deliveries)
}

type stubSanitizer struct{}

func (stubSanitizer) SanitizeMessage(raw string) string {
	if raw == "<b>Link expired</b>" {
		return "Link expired"
	}
	return raw
}

// --- compile-time interface checks ---
var _ Backend = (*mockBackend)(nil)
var _ AttemptRecorder = (*mockRecorder)(nil)
var _ metrics.MetricsCollector = (*recordingMetrics)(nil)
var _ MessageSanitizer = stubSanitizer{}

// --- ヘルパー ---

func recoveryPayload(accessToken, refreshToken string, tag int64) model.LinkPayload {
	return model.LinkPayload{
		Kind:         model.KindRecovery,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		SequenceTag:  tag,
	}
}

// waitFor は条件が満たされるまで最大2秒待機する。
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitSignOut(t *testing.T, b *mockBackend) *model.Session {
	t.Helper()
	select {
	case s := <-b.signedOut:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sign out")
		return nil
	}
}
