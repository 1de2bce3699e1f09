package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/linkconfirm/internal/confirm"
	"github.com/hitoshi/linkconfirm/internal/deeplink"
	"github.com/hitoshi/linkconfirm/internal/middleware"
	"github.com/hitoshi/linkconfirm/internal/model"
	"github.com/hitoshi/linkconfirm/internal/repository"
)

// --- モック定義 ---

type mockBackend struct {
	exchangeFn func(ctx context.Context, accessToken, refreshToken string) (*model.Session, error)
	updateFn   func(ctx context.Context, session *model.Session, newPassword string) error

	mu        sync.Mutex
	passwords []string
}

func (m *mockBackend) ExchangeForSession(ctx context.Context, accessToken, refreshToken string) (*model.Session, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, accessToken, refreshToken)
	}
	return &model.Session{AccessToken: accessToken, RefreshToken: refreshToken, UserID: "user-1"}, nil
}

func (m *mockBackend) UpdateCredential(ctx context.Context, session *model.Session, newPassword string) error {
	m.mu.Lock()
	m.passwords = append(m.passwords, newPassword)
	m.mu.Unlock()
	if m.updateFn != nil {
		return m.updateFn(ctx, session, newPassword)
	}
	return nil
}

func (m *mockBackend) SignOut(context.Context, *model.Session) error { return nil }

func (m *mockBackend) updated() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.passwords...)
}

type mockEmailSender struct {
	resetFn  func(ctx context.Context, email, redirectTo string) error
	resendFn func(ctx context.Context, email, redirectTo string) error
}

func (m *mockEmailSender) RequestPasswordReset(ctx context.Context, email, redirectTo string) error {
	if m.resetFn != nil {
		return m.resetFn(ctx, email, redirectTo)
	}
	return nil
}

func (m *mockEmailSender) ResendVerification(ctx context.Context, email, redirectTo string) error {
	if m.resendFn != nil {
		return m.resendFn(ctx, email, redirectTo)
	}
	return nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error { return m.err }

type failingLister struct{}

func (failingLister) ListByScreen(context.Context, string, int) ([]*model.Attempt, error) {
	return nil, errors.New("connection refused")
}

// --- compile-time interface checks ---
var _ confirm.Backend = (*mockBackend)(nil)
var _ EmailSender = (*mockEmailSender)(nil)
var _ HealthChecker = (*mockHealthChecker)(nil)
var _ AttemptLister = failingLister{}
var _ ScreenManager = (*confirm.Manager)(nil)
var _ LinkPublisher = (*deeplink.Hub)(nil)
var _ AttemptLister = (*repository.MemoryAttemptRepo)(nil)

// --- テストヘルパー ---

type testEnv struct {
	router  http.Handler
	backend *mockBackend
	email   *mockEmailSender
	hub     *deeplink.Hub
	manager *confirm.Manager
	repo    *repository.MemoryAttemptRepo
}

type envOption func(*RouterDeps)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, maxScreens int, opts ...envOption) *testEnv {
	t.Helper()
	logger := discardLogger()
	backend := &mockBackend{}
	email := &mockEmailSender{}
	hub := deeplink.NewHub("", 8, logger)
	repo := repository.NewMemoryAttemptRepo(0)
	manager := confirm.NewManager(hub, confirm.Config{Timeout: 2 * time.Second}, confirm.Deps{
		Backend:  backend,
		Recorder: repo,
		Logger:   logger,
	}, maxScreens)
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     1000,
		GeneralBurst:    10000,
		DeepLinkRate:    1000,
		DeepLinkBurst:   1000,
		CleanupInterval: time.Minute,
	}, logger)

	t.Cleanup(func() {
		manager.CloseAll()
		limiter.Stop()
	})

	deps := &RouterDeps{
		RateLimiter: limiter,
		Logger:      logger,
		Screens:     manager,
		Attempts:    repo,
		Publisher:   hub,
		EmailSender: email,
		EmailConfig: EmailHandlerConfig{
			RecoveryRedirectTo:     "linkconfirm://reset-password",
			VerificationRedirectTo: "linkconfirm://verify-email",
		},
	}
	for _, opt := range opts {
		opt(deps)
	}

	return &testEnv{
		router:  NewRouter(deps),
		backend: backend,
		email:   email,
		hub:     hub,
		manager: manager,
		repo:    repo,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) mount(t *testing.T, body map[string]string) screenResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/screens", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("mount: status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp screenResponse
	decodeBody(t, w, &resp)
	return resp
}

// waitStatus は画面が指定状態になるまで最大2秒ポーリングする。
func (e *testEnv) waitStatus(t *testing.T, id string, status model.ConfirmationStatus) screenResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var resp screenResponse
	for time.Now().Before(deadline) {
		w := e.do(t, http.MethodGet, "/api/screens/"+id, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("get screen: status = %d", w.Code)
		}
		decodeBody(t, w, &resp)
		if resp.Status == string(status) {
			return resp
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("screen %s did not reach %s (last: %+v)", id, status, resp)
	return resp
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("failed to decode response: %v (body: %s)", err, w.Body.String())
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	decodeBody(t, w, &body)
	return body
}
