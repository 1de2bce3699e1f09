package confirm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/linkconfirm/internal/deeplink"
	"github.com/hitoshi/linkconfirm/internal/model"
)

const resetURL = "myapp://reset-password?t=5#access_token=LINK-A&refresh_token=LINK-R&type=recovery"

type countingSource struct {
	*deeplink.Hub
	initialCalls int
}

func (s *countingSource) InitialURL(ctx context.Context) (string, error) {
	s.initialCalls++
	return s.Hub.InitialURL(ctx)
}

var _ deeplink.Source = (*countingSource)(nil)

func newTestManager(t *testing.T, source deeplink.Source, backend *mockBackend, m *recordingMetrics, limit int) *Manager {
	t.Helper()
	deps := Deps{Backend: backend}
	if m != nil {
		deps.Metrics = m
	}
	mgr := NewManager(source, Config{}, deps, limit)
	t.Cleanup(mgr.CloseAll)
	return mgr
}

func TestManagerMount_NavParamsSkipInitialURL(t *testing.T) {
	source := &countingSource{Hub: deeplink.NewHub(resetURL, 0, nil)}
	backend := newMockBackend()
	mgr := newTestManager(t, source, backend, nil, 0)

	screen, err := mgr.Mount(context.Background(), deeplink.Recovery, NavParams{AccessToken: "NAV-A", RefreshToken: "NAV-R"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "ready", func() bool { return screen.Snapshot().Status == model.StatusReady })
	if calls := backend.exchanges(); len(calls) != 1 || calls[0] != "NAV-A" {
		t.Errorf("expected navigation tokens to be exchanged, got %v", calls)
	}
	if source.initialCalls != 0 {
		t.Errorf("initial url must not be queried when navigation params are present, got %d", source.initialCalls)
	}
}

func TestManagerMount_ColdStartURL(t *testing.T) {
	backend := newMockBackend()
	mgr := newTestManager(t, deeplink.NewHub(resetURL, 0, nil), backend, nil, 0)

	screen, err := mgr.Mount(context.Background(), deeplink.Recovery, NavParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "ready", func() bool { return screen.Snapshot().Status == model.StatusReady })
	if calls := backend.exchanges(); len(calls) != 1 || calls[0] != "LINK-A" {
		t.Errorf("expected cold start link to be exchanged, got %v", calls)
	}
}

func TestManagerMount_InitialURLForOtherFlowIsIgnored(t *testing.T) {
	backend := newMockBackend()
	hub := deeplink.NewHub("myapp://verify-email#access_token=A&refresh_token=R&type=signup", 0, nil)
	mgr := newTestManager(t, hub, backend, nil, 0)

	screen, err := mgr.Mount(context.Background(), deeplink.Recovery, NavParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := screen.Snapshot()
	if snap.Status != model.StatusIdle || snap.Message != recoveryMessages.Idle {
		t.Errorf("expected idle, got %+v", snap)
	}
	if got := len(backend.exchanges()); got != 0 {
		t.Errorf("expected no exchange, got %d", got)
	}
}

func TestScreen_LiveEventsAreDeduplicated(t *testing.T) {
	hub := deeplink.NewHub("", 0, nil)
	backend := newMockBackend()
	rec := &recordingMetrics{}
	mgr := newTestManager(t, hub, backend, rec, 0)

	screen, err := mgr.Mount(context.Background(), deeplink.Recovery, NavParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hub.Publish(resetURL)
	hub.Publish("https://example.com/unrelated")
	hub.Publish(resetURL)

	waitFor(t, "two deliveries", func() bool { return rec.count() == 2 })
	if got := len(backend.exchanges()); got != 1 {
		t.Errorf("expected 1 exchange, got %d", got)
	}
	if s := screen.Snapshot(); s.Status != model.StatusReady {
		t.Errorf("expected ready, got %s", s.Status)
	}
}

func TestScreen_EventDuringExchangeIsEvaluatedAfterSettle(t *testing.T) {
	release := make(chan struct{})
	hub := deeplink.NewHub("", 0, nil)
	backend := newMockBackend()
	backend.exchangeFn = func(_ context.Context, a, r string) (*model.Session, error) {
		if a == "NAV-A" {
			<-release
			return nil, &model.BackendError{StatusCode: 401, Message: "Token has expired or is invalid"}
		}
		return &model.Session{AccessToken: a, RefreshToken: r}, nil
	}
	mgr := newTestManager(t, hub, backend, nil, 0)

	screen, err := mgr.Mount(context.Background(), deeplink.Recovery, NavParams{AccessToken: "NAV-A", RefreshToken: "NAV-R"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hub.Publish(resetURL)
	close(release)

	waitFor(t, "ready from event", func() bool { return screen.Snapshot().Status == model.StatusReady })
	if calls := backend.exchanges(); len(calls) != 2 || calls[1] != "LINK-A" {
		t.Errorf("expected queued event to be exchanged after settle, got %v", calls)
	}
}

func TestScreen_EventDuringRetryIsEvaluatedAfterSettle(t *testing.T) {
	const (
		link3 = "myapp://reset-password?t=3#access_token=A3&refresh_token=R3&type=recovery"
		link5 = "myapp://reset-password?t=5#access_token=A5&refresh_token=R5&type=recovery"
		link9 = "myapp://reset-password?t=9#access_token=A9&refresh_token=R9&type=recovery"
	)
	release := make(chan struct{})
	hub := deeplink.NewHub(link3, 0, nil)
	backend := newMockBackend()
	backend.exchangeFn = func(_ context.Context, a, r string) (*model.Session, error) {
		if a == "A3" {
			// 1回目は失敗させ、再試行ではリリースまで待機する
			if len(backend.exchanges()) == 1 {
				return nil, errors.New("network is unreachable")
			}
			<-release
		}
		return &model.Session{AccessToken: a, RefreshToken: r}, nil
	}
	rec := &recordingMetrics{}
	mgr := newTestManager(t, hub, backend, rec, 0)

	screen, err := mgr.Mount(context.Background(), deeplink.Recovery, NavParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "cold start failure", func() bool { return screen.Snapshot().Status == model.StatusError })

	retried := make(chan Decision, 1)
	go func() {
		d, _ := screen.Orchestrator().Retry(context.Background())
		retried <- d
	}()
	waitFor(t, "retry exchange", func() bool { return len(backend.exchanges()) == 2 })

	hub.Publish(link9)
	waitFor(t, "event delivery", func() bool { return rec.count() == 3 })
	close(release)

	if d := <-retried; d != DecisionAccepted {
		t.Errorf("expected retry to be accepted, got %s", d)
	}
	waitFor(t, "ready on tag 9", func() bool {
		snap := screen.Snapshot()
		return snap.Status == model.StatusReady && !snap.Busy && len(backend.exchanges()) == 3
	})

	// tag 9 を見た後の古いリンクは交換しない
	hub.Publish(link5)
	waitFor(t, "stale delivery", func() bool { return rec.count() == 5 })
	if calls := backend.exchanges(); len(calls) != 3 || calls[2] != "A9" {
		t.Errorf("expected exchanges [A3 A3 A9], got %v", calls)
	}
}

func TestManager_ScreensHaveIndependentGuards(t *testing.T) {
	hub := deeplink.NewHub("", 0, nil)
	backend := newMockBackend()
	mgr := newTestManager(t, hub, backend, nil, 0)
	ctx := context.Background()

	first, _ := mgr.Mount(ctx, deeplink.Recovery, NavParams{})
	second, _ := mgr.Mount(ctx, deeplink.Recovery, NavParams{})

	hub.Publish(resetURL)

	waitFor(t, "both ready", func() bool {
		return first.Snapshot().Status == model.StatusReady && second.Snapshot().Status == model.StatusReady
	})
	if got := len(backend.exchanges()); got != 2 {
		t.Errorf("expected one exchange per screen, got %d", got)
	}
}

func TestManagerUnmount_ReleasesSubscription(t *testing.T) {
	hub := deeplink.NewHub("", 0, nil)
	mgr := newTestManager(t, hub, newMockBackend(), nil, 0)

	screen, _ := mgr.Mount(context.Background(), deeplink.Recovery, NavParams{})
	if hub.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.SubscriberCount())
	}

	if !mgr.Unmount(screen.ID) {
		t.Fatal("expected unmount to succeed")
	}
	if hub.SubscriberCount() != 0 {
		t.Errorf("expected subscription to be released, got %d", hub.SubscriberCount())
	}
	if _, ok := mgr.Get(screen.ID); ok {
		t.Error("expected screen to be removed")
	}
	if mgr.Unmount(screen.ID) {
		t.Error("expected second unmount to report false")
	}
	if d := screen.Orchestrator().Deliver(context.Background(), recoveryPayload("A", "R", 0), model.SourceEvent); d != DecisionClosed {
		t.Errorf("expected closed after unmount, got %s", d)
	}
}

func TestManagerMount_Limit(t *testing.T) {
	mgr := newTestManager(t, deeplink.NewHub("", 0, nil), newMockBackend(), nil, 1)
	ctx := context.Background()

	if _, err := mgr.Mount(ctx, deeplink.Recovery, NavParams{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := mgr.Mount(ctx, deeplink.Recovery, NavParams{})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeScreenLimit {
		t.Errorf("expected %s, got %v", model.ErrCodeScreenLimit, err)
	}
	if mgr.Count() != 1 {
		t.Errorf("expected 1 screen, got %d", mgr.Count())
	}
}

func TestManager_SweepIdle(t *testing.T) {
	hub := deeplink.NewHub("", 0, nil)
	mgr := newTestManager(t, hub, newMockBackend(), nil, 0)

	if _, err := mgr.Mount(context.Background(), deeplink.Recovery, NavParams{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if n := mgr.SweepIdle(time.Hour); n != 0 {
		t.Errorf("expected no screen to be swept, got %d", n)
	}
	if n := mgr.SweepIdle(5 * time.Millisecond); n != 1 {
		t.Errorf("expected 1 screen to be swept, got %d", n)
	}
	if mgr.Count() != 0 || hub.SubscriberCount() != 0 {
		t.Errorf("expected everything released, got screens=%d subs=%d", mgr.Count(), hub.SubscriberCount())
	}
}

func TestManagerMount_OverrideMarkers(t *testing.T) {
	const customURL = "myapp://recover-account#access_token=CUSTOM-A&refresh_token=CUSTOM-R&type=recovery"
	backend := newMockBackend()
	mgr := newTestManager(t, deeplink.NewHub(customURL, 0, nil), backend, nil, 0)
	mgr.OverrideMarkers(deeplink.Recovery.Name, "recover-account")

	screen, err := mgr.Mount(context.Background(), deeplink.Recovery, NavParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "ready", func() bool { return screen.Snapshot().Status == model.StatusReady })
	if calls := backend.exchanges(); len(calls) != 1 || calls[0] != "CUSTOM-A" {
		t.Errorf("expected custom link to be exchanged, got %v", calls)
	}
	if len(screen.Flow.Markers) != 1 || screen.Flow.Markers[0] != "recover-account" {
		t.Errorf("markers = %v, want [recover-account]", screen.Flow.Markers)
	}
	// 既定のフロー定義は変更されない
	if deeplink.Recovery.Markers[0] != "reset-password" {
		t.Errorf("package-level flow was modified: %v", deeplink.Recovery.Markers)
	}
}
