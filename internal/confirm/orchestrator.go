// Package confirm はリンク確認の状態機械を提供する。
//
// Orchestrator は配信されたリンクを受理ルールで評価し、セッション交換を行い、
// ConfirmationState（Idle / Confirming / Ready / Error）を遷移させる。
// 同じリンクが複数の配信元から届く場合や、古いリンクが後から届く場合でも
// セッション交換は最大1件しか実行しない。
package confirm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/linkconfirm/internal/deeplink"
	"github.com/hitoshi/linkconfirm/internal/metrics"
	"github.com/hitoshi/linkconfirm/internal/model"
)

const (
	// DefaultTimeout はセッション交換のタイムアウトの既定値。
	DefaultTimeout = 8 * time.Second
	// DefaultRedirectDelay はパスワード更新後にログイン画面へ遷移するまでの既定の待機時間。
	DefaultRedirectDelay = 2 * time.Second
	// DefaultRedirectTo はパスワード更新後の遷移先。
	DefaultRedirectTo = "/login"

	// bookkeepingTimeout は履歴記録やサインアウトなど、画面の状態に影響しない処理の上限時間。
	bookkeepingTimeout = 5 * time.Second
)

// Backend は認証バックエンドのインターフェース。
type Backend interface {
	// ExchangeForSession はリンクに含まれるトークンからセッションを確立する。
	ExchangeForSession(ctx context.Context, accessToken, refreshToken string) (*model.Session, error)
	// UpdateCredential は確立済みのセッションでパスワードを変更する。
	UpdateCredential(ctx context.Context, session *model.Session, newPassword string) error
	// SignOut はセッションを破棄する。
	SignOut(ctx context.Context, session *model.Session) error
}

// AttemptRecorder は確認試行の履歴を記録するインターフェース。
type AttemptRecorder interface {
	Create(ctx context.Context, attempt *model.Attempt) error
	Settle(ctx context.Context, id string, outcome model.AttemptOutcome, message string, settledAt time.Time) error
}

// MessageSanitizer はリンク由来の説明文から表示に不適切な内容を取り除く。
type MessageSanitizer interface {
	SanitizeMessage(raw string) string
}

// Config は Orchestrator の設定。
type Config struct {
	Timeout       time.Duration
	RedirectTo    string
	RedirectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RedirectTo == "" {
		c.RedirectTo = DefaultRedirectTo
	}
	if c.RedirectDelay <= 0 {
		c.RedirectDelay = DefaultRedirectDelay
	}
	return c
}

// Deps は Orchestrator の依存関係。Backend 以外は省略可能。
type Deps struct {
	Backend   Backend
	Recorder  AttemptRecorder
	Metrics   metrics.MetricsCollector
	Sanitizer MessageSanitizer
	Logger    *slog.Logger
}

// Snapshot はUIに公開する現在の状態。
type Snapshot struct {
	ScreenID    string
	Flow        string
	Status      model.ConfirmationStatus
	Message     string
	Busy        bool // ネットワーク通信中か
	FormEnabled bool // パスワード入力フォームを有効にできるか
	CanRetry    bool
	Completed   bool
}

type exchangeResult struct {
	session *model.Session
	err     error
}

// heldLink はセッション交換中に届き、決着後に再評価するペイロード。
type heldLink struct {
	payload model.LinkPayload
	source  model.LinkSource
}

// Orchestrator は画面インスタンス1つ分のリンク確認状態機械。
// すべてのメソッドは複数のgoroutineから呼び出してよい。
type Orchestrator struct {
	screenID string
	flow     deeplink.Flow
	msgs     Messages
	cfg      Config

	backend   Backend
	recorder  AttemptRecorder
	metrics   metrics.MetricsCollector
	sanitizer MessageSanitizer
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      model.ConfirmationState
	guard      ProcessingGuard
	session    *model.Session
	captured   *model.LinkPayload
	held       *heldLink
	inFlight   int // 応答待ちのセッション交換リクエスト数（タイムアウト後も含む）
	generation uint64
	submitting bool
	completed  bool
	closed     bool
}

// NewOrchestrator は Idle 状態の Orchestrator を生成する。
func NewOrchestrator(screenID string, flow deeplink.Flow, cfg Config, deps Deps) *Orchestrator {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopCollector{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs := MessagesFor(flow.Kind)

	return &Orchestrator{
		screenID:  screenID,
		flow:      flow,
		msgs:      msgs,
		cfg:       cfg.withDefaults(),
		backend:   deps.Backend,
		recorder:  deps.Recorder,
		metrics:   deps.Metrics,
		sanitizer: deps.Sanitizer,
		logger:    deps.Logger.With(slog.String("screen_id", screenID), slog.String("flow", flow.Name)),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     model.ConfirmationState{Status: model.StatusIdle, Message: msgs.Idle},
	}
}

// Deliver はペイロードを受理ルールで評価し、受理した場合は決着まで待機する。
// ctx がキャンセルされた場合は待機のみを中断し、セッション交換は継続する。
func (o *Orchestrator) Deliver(ctx context.Context, payload model.LinkPayload, source model.LinkSource) Decision {
	decision, settled := o.Dispatch(payload, source)
	select {
	case <-settled:
	case <-ctx.Done():
	}
	return decision
}

// Dispatch はペイロードを受理ルールで評価し、待機せずに判定を返す。
// 返されるチャネルはセッション交換が決着した時点（交換を行わない場合は即座）にクローズされる。
// 交換中に届いたペイロードのうち最新のものは保留し、決着後に改めて評価する。
func (o *Orchestrator) Dispatch(payload model.LinkPayload, source model.LinkSource) (Decision, <-chan struct{}) {
	return o.dispatch(payload, source, false)
}

func (o *Orchestrator) dispatch(payload model.LinkPayload, source model.LinkSource, readmit bool) (Decision, <-chan struct{}) {
	settled := make(chan struct{})

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		close(settled)
		o.metrics.RecordDelivery(string(source), string(DecisionClosed))
		return DecisionClosed, settled
	}

	if source != model.SourceRetry {
		o.capture(payload)
	}

	var decision Decision
	if readmit {
		decision = o.guard.Readmit(payload)
		if decision == DecisionBusy {
			o.hold(payload, source, 0)
		}
	} else {
		floor := o.guard.Floor()
		decision = o.guard.Admit(payload)
		if decision == DecisionBusy && source != model.SourceRetry {
			o.hold(payload, source, floor)
		}
	}
	if decision != DecisionAccepted {
		o.mu.Unlock()
		close(settled)
		o.metrics.RecordDelivery(string(source), string(decision))
		o.logger.Debug("link delivery ignored",
			slog.String("source", string(source)),
			slog.String("decision", string(decision)),
			slog.Int64("sequence_tag", payload.SequenceTag),
		)
		return decision, settled
	}

	// 新しい試行は Ready のセッションを置き換える
	superseded := o.session
	o.session = nil
	o.completed = false
	o.generation++
	gen := o.generation

	attempt := &model.Attempt{
		ID:          uuid.NewString(),
		ScreenID:    o.screenID,
		Flow:        o.flow.Name,
		Source:      source,
		Kind:        payload.Kind,
		SequenceTag: payload.SequenceTag,
		Signature:   shortSignature(payload),
		Outcome:     model.OutcomePending,
		CreatedAt:   o.now(),
	}

	if !payload.WellFormed() {
		message := o.describeMalformed(payload)
		o.state = model.ConfirmationState{Status: model.StatusError, Message: message}
		o.mu.Unlock()
		close(settled)

		o.metrics.RecordDelivery(string(source), string(decision))
		o.logger.Info("malformed link rejected",
			slog.String("source", string(source)),
			slog.String("error_code", payload.ErrorCode),
		)
		attempt.Outcome = model.OutcomeRejected
		attempt.Message = message
		settledAt := o.now()
		attempt.SettledAt = &settledAt
		o.createAttempt(attempt)
		o.signOutAsync(superseded, "superseded")
		return decision, settled
	}

	o.guard.Begin()
	o.inFlight++
	o.state = model.ConfirmationState{Status: model.StatusConfirming, Message: o.msgs.Confirming}
	o.mu.Unlock()

	o.metrics.RecordDelivery(string(source), string(decision))
	o.logger.Info("link accepted",
		slog.String("source", string(source)),
		slog.Int64("sequence_tag", payload.SequenceTag),
		slog.String("signature", attempt.Signature),
	)
	o.createAttempt(attempt)
	o.signOutAsync(superseded, "superseded")

	go func() {
		defer close(settled)
		o.exchange(gen, payload, attempt.ID)
	}()

	return decision, settled
}

// exchange はセッション交換を実行し、結果・タイムアウト・画面破棄のうち最初に起きたもので決着させる。
func (o *Orchestrator) exchange(gen uint64, payload model.LinkPayload, attemptID string) {
	started := o.now()
	ctx, cancel := context.WithCancel(o.ctx)

	results := make(chan exchangeResult, 1)
	go func() {
		session, err := o.backend.ExchangeForSession(ctx, payload.AccessToken, payload.RefreshToken)
		o.mu.Lock()
		o.inFlight--
		o.mu.Unlock()
		results <- exchangeResult{session: session, err: err}
	}()

	timer := time.NewTimer(o.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		cancel()
		o.settle(gen, payload, attemptID, started, res)
	case <-timer.C:
		o.expire(gen, attemptID, started)
		cancel()
		go o.discardLate(results, attemptID)
	case <-o.done:
		cancel()
		o.finishAttempt(attemptID, model.OutcomeDiscarded, "screen closed")
		go o.discardLate(results, attemptID)
	}
}

// settle はセッション交換の結果を状態に反映する。
// 画面が破棄済み、またはより新しい試行がある場合は結果を破棄する。
func (o *Orchestrator) settle(gen uint64, payload model.LinkPayload, attemptID string, started time.Time, res exchangeResult) {
	elapsed := o.now().Sub(started)

	o.mu.Lock()
	if o.closed || gen != o.generation {
		o.mu.Unlock()
		o.logger.Info("exchange result discarded", slog.String("attempt_id", attemptID))
		o.metrics.RecordExchange("discarded", elapsed)
		o.finishAttempt(attemptID, model.OutcomeDiscarded, "superseded")
		o.signOutAsync(res.session, "discarded")
		return
	}

	if res.err == nil && res.session != nil {
		o.guard.Succeed(payload)
		o.session = res.session
		o.state = model.ConfirmationState{Status: model.StatusReady, Message: o.msgs.Ready}
		next := o.takeHeld()
		o.mu.Unlock()

		o.logger.Info("session established", slog.String("attempt_id", attemptID), slog.Duration("elapsed", elapsed))
		o.metrics.RecordExchange("ready", elapsed)
		o.finishAttempt(attemptID, model.OutcomeReady, o.msgs.Ready)
		o.redispatch(next)
		return
	}

	message := o.exchangeFailureMessage(res.err)
	o.guard.Fail()
	o.state = model.ConfirmationState{Status: model.StatusError, Message: message}
	next := o.takeHeld()
	o.mu.Unlock()

	o.logger.Warn("session exchange failed",
		slog.String("attempt_id", attemptID),
		slog.Any("error", res.err),
	)
	o.metrics.RecordExchange("failed", elapsed)
	o.finishAttempt(attemptID, model.OutcomeFailed, message)
	o.redispatch(next)
}

// expire はタイムアウトによる失敗を状態に反映する。
func (o *Orchestrator) expire(gen uint64, attemptID string, started time.Time) {
	o.mu.Lock()
	if o.closed || gen != o.generation {
		o.mu.Unlock()
		return
	}
	o.guard.Fail()
	o.state = model.ConfirmationState{Status: model.StatusError, Message: o.msgs.Timeout}
	next := o.takeHeld()
	o.mu.Unlock()

	o.logger.Warn("session exchange timed out",
		slog.String("attempt_id", attemptID),
		slog.Duration("timeout", o.cfg.Timeout),
	)
	o.metrics.RecordExchange("timed_out", o.now().Sub(started))
	o.finishAttempt(attemptID, model.OutcomeTimedOut, o.msgs.Timeout)
	o.redispatch(next)
}

// discardLate はタイムアウトまたは画面破棄の後に届いた結果を破棄する。
// 遅れて確立したセッションは誰も使用しないためサインアウトする。
func (o *Orchestrator) discardLate(results <-chan exchangeResult, attemptID string) {
	res := <-results
	if res.session == nil {
		return
	}
	o.logger.Info("late session discarded", slog.String("attempt_id", attemptID))
	o.signOut(res.session, "late")
}

// Retry は Error 状態から直近に取得したペイロードを再評価する。
// Error 以外の状態では *model.APIError を返す。
func (o *Orchestrator) Retry(ctx context.Context) (Decision, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return DecisionClosed, nil
	}
	if o.state.Status != model.StatusError {
		status := o.state.Status
		o.mu.Unlock()
		return "", model.NewRetryNotAllowedError(status)
	}
	if o.captured == nil {
		o.state = model.ConfirmationState{Status: model.StatusError, Message: o.msgs.NoLink}
		o.mu.Unlock()
		o.metrics.RecordDelivery(string(model.SourceRetry), string(DecisionNoLink))
		return DecisionNoLink, nil
	}
	o.guard.Forget()
	payload := *o.captured
	o.mu.Unlock()

	o.logger.Info("manual retry requested", slog.Int64("sequence_tag", payload.SequenceTag))
	return o.Deliver(ctx, payload, model.SourceRetry), nil
}

// Snapshot は現在の状態を返す。
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	ready := o.state.Status == model.StatusReady
	return Snapshot{
		ScreenID:    o.screenID,
		Flow:        o.flow.Name,
		Status:      o.state.Status,
		Message:     o.state.Message,
		Busy:        o.guard.Processing() || o.inFlight > 0 || o.submitting,
		FormEnabled: ready && o.flow.Kind == model.KindRecovery && !o.submitting,
		CanRetry:    o.state.Status == model.StatusError,
		Completed:   o.completed,
	}
}

// State は現在の ConfirmationState を返す。
func (o *Orchestrator) State() model.ConfirmationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Close は画面の破棄を記録する。以降に決着した結果はすべて破棄される。
// 保持しているセッションはサインアウトする。複数回呼び出しても安全。
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	held := o.session
	o.session = nil
	o.guard.Reset()
	o.captured = nil
	o.held = nil
	close(o.done)
	o.mu.Unlock()

	o.cancel()
	o.signOutAsync(held, "closed")
}

// capture は再試行用に直近のペイロードを保持する。
// 認証情報もエラー情報も持たないペイロードは再評価しても意味が無いため保持しない。
// より古いシーケンスタグのペイロードでは上書きしない。
func (o *Orchestrator) capture(payload model.LinkPayload) {
	if !retainable(payload, o.captured) {
		return
	}
	p := payload
	o.captured = &p
}

// hold は交換中に破棄したペイロードを決着後の再評価のために保留する。
// floor は判定前の下限で、それ以下のタグは古いため保留しない。
func (o *Orchestrator) hold(payload model.LinkPayload, source model.LinkSource, floor int64) {
	if isStale(payload, floor) {
		return
	}
	var prev *model.LinkPayload
	if o.held != nil {
		prev = &o.held.payload
	}
	if !retainable(payload, prev) {
		return
	}
	o.held = &heldLink{payload: payload, source: source}
}

// takeHeld は保留中のペイロードを取り出す。ロック下で呼び出す。
func (o *Orchestrator) takeHeld() *heldLink {
	next := o.held
	o.held = nil
	return next
}

// redispatch は保留していたペイロードを再評価する。
func (o *Orchestrator) redispatch(next *heldLink) {
	if next == nil {
		return
	}
	o.logger.Info("held link redelivered",
		slog.String("source", string(next.source)),
		slog.Int64("sequence_tag", next.payload.SequenceTag),
	)
	o.dispatch(next.payload, next.source, true)
}

// retainable は payload が prev に代わって保持する価値があるかどうかを返す。
func retainable(payload model.LinkPayload, prev *model.LinkPayload) bool {
	if !payload.WellFormed() && payload.ErrorCode == "" {
		return false
	}
	return prev == nil || payload.SequenceTag >= prev.SequenceTag
}

// describeMalformed はエラーを含むリンクの表示用メッセージを返す。
func (o *Orchestrator) describeMalformed(payload model.LinkPayload) string {
	message := payload.ErrorDescription
	if o.sanitizer != nil {
		message = o.sanitizer.SanitizeMessage(message)
	}
	if message == "" {
		return o.flow.NoLinkData
	}
	return message
}

// exchangeFailureMessage はセッション交換の失敗を表示用メッセージに変換する。
func (o *Orchestrator) exchangeFailureMessage(err error) string {
	if err == nil {
		return o.msgs.NoSession
	}
	var be *model.BackendError
	if errors.As(err, &be) && !be.Transient() {
		if be.Message != "" {
			return be.Message
		}
		return o.msgs.Expired
	}
	return o.msgs.Transient
}

func (o *Orchestrator) createAttempt(attempt *model.Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	if err := o.recorder.Create(ctx, attempt); err != nil {
		o.logger.Warn("failed to record attempt", slog.String("attempt_id", attempt.ID), slog.Any("error", err))
	}
}

func (o *Orchestrator) finishAttempt(id string, outcome model.AttemptOutcome, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	if err := o.recorder.Settle(ctx, id, outcome, message, o.now()); err != nil {
		o.logger.Warn("failed to settle attempt", slog.String("attempt_id", id), slog.Any("error", err))
	}
}

func (o *Orchestrator) signOutAsync(session *model.Session, reason string) {
	if session == nil {
		return
	}
	go o.signOut(session, reason)
}

func (o *Orchestrator) signOut(session *model.Session, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	if err := o.backend.SignOut(ctx, session); err != nil {
		o.logger.Warn("sign out failed", slog.String("reason", reason), slog.Any("error", err))
	}
}

// shortSignature はログと履歴に残す署名の先頭部分を返す。
func shortSignature(payload model.LinkPayload) string {
	sig := Signature(payload)
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}

type nopRecorder struct{}

func (nopRecorder) Create(context.Context, *model.Attempt) error { return nil }
func (nopRecorder) Settle(context.Context, string, model.AttemptOutcome, string, time.Time) error {
	return nil
}
