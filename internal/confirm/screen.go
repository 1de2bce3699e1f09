package confirm

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/linkconfirm/internal/deeplink"
	"github.com/hitoshi/linkconfirm/internal/model"
)

// NavParams は画面表示時にルーターから渡されたトークン。
type NavParams struct {
	AccessToken  string
	RefreshToken string
}

// Screen はマウント中の確認画面1つ分。
// Orchestrator とディープリンク購読の寿命を管理する。
type Screen struct {
	ID        string
	Flow      deeplink.Flow
	MountedAt time.Time

	orch   *Orchestrator
	sub    *deeplink.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	lastActive atomic.Int64
	closeOnce  sync.Once
}

// Mount は画面をマウントする。
//
// 購読を先に開始してから、ナビゲーションパラメータ、起動時URLの順に初期ペイロードを探す。
// ナビゲーションパラメータにトークンがある場合は起動時URLを照会しない。
// 初期ペイロードの処理は非同期に行い、その決着後に購読したイベントを順に処理する。
func Mount(ctx context.Context, id string, flow deeplink.Flow, source deeplink.Source, nav NavParams, cfg Config, deps Deps) *Screen {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	listenCtx, cancel := context.WithCancel(context.Background())

	s := &Screen{
		ID:        id,
		Flow:      flow,
		MountedAt: time.Now(),
		orch:      NewOrchestrator(id, flow, cfg, deps),
		sub:       source.Subscribe(),
		cancel:    cancel,
		logger:    deps.Logger.With(slog.String("screen_id", id)),
	}
	s.Touch()

	initial := s.deliverInitial(ctx, source, nav)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.listen(listenCtx, initial)
	}()

	return s
}

// deliverInitial は初期ペイロードを投入し、決着を待つためのチャネルを返す。
func (s *Screen) deliverInitial(ctx context.Context, source deeplink.Source, nav NavParams) <-chan struct{} {
	if payload, ok := deeplink.FromNavigation(nav.AccessToken, nav.RefreshToken, s.Flow); ok {
		_, settled := s.orch.Dispatch(payload, model.SourceNavigation)
		return settled
	}

	rawURL, err := source.InitialURL(ctx)
	if err != nil {
		s.logger.Warn("failed to query initial url", slog.Any("error", err))
	}
	if rawURL != "" && s.Flow.Matches(rawURL) {
		_, settled := s.orch.Dispatch(deeplink.Parse(rawURL, s.Flow), model.SourceColdStart)
		return settled
	}

	settled := make(chan struct{})
	close(settled)
	return settled
}

// listen は購読したURLを1件ずつ処理する。
// セッション交換中に届いたURLはバッファに残り、決着後に受理ルールで評価される。
func (s *Screen) listen(ctx context.Context, initial <-chan struct{}) {
	select {
	case <-initial:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rawURL, ok := <-s.sub.Events():
			if !ok {
				return
			}
			if !s.Flow.Matches(rawURL) {
				continue
			}
			s.Touch()
			s.orch.Deliver(ctx, deeplink.Parse(rawURL, s.Flow), model.SourceEvent)
		}
	}
}

// Orchestrator は画面の状態機械を返す。
func (s *Screen) Orchestrator() *Orchestrator {
	return s.orch
}

// Snapshot は最終操作時刻を更新して現在の状態を返す。
func (s *Screen) Snapshot() Snapshot {
	s.Touch()
	return s.orch.Snapshot()
}

// Touch は最終操作時刻を更新する。
func (s *Screen) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive は最終操作時刻を返す。
func (s *Screen) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Close は画面をアンマウントする。購読を解除し、リスナーの終了を待つ。
func (s *Screen) Close() {
	s.closeOnce.Do(func() {
		s.orch.Close()
		s.cancel()
		s.sub.Close()
		s.wg.Wait()
	})
}
