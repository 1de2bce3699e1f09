package model

import "time"

// AttemptOutcome は確認試行の結果を表す。
type AttemptOutcome string

const (
	OutcomePending   AttemptOutcome = "pending"
	OutcomeReady     AttemptOutcome = "ready"
	OutcomeFailed    AttemptOutcome = "failed"
	OutcomeTimedOut  AttemptOutcome = "timed_out"
	OutcomeRejected  AttemptOutcome = "rejected"  // エラーを含むリンク、または不正な形式
	OutcomeDiscarded AttemptOutcome = "discarded" // 画面破棄により結果を破棄
)

// Attempt は受理されたペイロード1件に対する確認試行の履歴を表す。
// トークン自体は保存せず、署名の先頭のみを保持する。
type Attempt struct {
	ID          string
	ScreenID    string
	Flow        string
	Source      LinkSource
	Kind        LinkKind
	SequenceTag int64
	Signature   string
	Outcome     AttemptOutcome
	Message     string
	CreatedAt   time.Time
	SettledAt   *time.Time
}
