package confirm

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/hitoshi/linkconfirm/internal/model"
)

// Decision は配信されたペイロードに対する受理判定を表す。
type Decision string

const (
	// DecisionAccepted は処理対象として受理したことを示す。
	DecisionAccepted Decision = "accepted"
	// DecisionBusy はセッション交換が進行中のため破棄したことを示す。
	DecisionBusy Decision = "busy"
	// DecisionDuplicate は直前に成功したリンクと同一のため破棄したことを示す。
	DecisionDuplicate Decision = "duplicate"
	// DecisionStale はより新しいリンクを既に受理しているため破棄したことを示す。
	DecisionStale Decision = "stale"
	// DecisionClosed は画面が破棄済みのため破棄したことを示す。
	DecisionClosed Decision = "closed"
	// DecisionNoLink は再試行対象のリンクが無いことを示す。
	DecisionNoLink Decision = "no_link"
)

// Signature はトークンペアの識別子を返す。
// トークンそのものを保持しないようSHA-256でハッシュ化する。
// 認証情報を持たないペイロードは空文字列を返す。
func Signature(p model.LinkPayload) string {
	if p.AccessToken == "" && p.RefreshToken == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(p.AccessToken + "\x00" + p.RefreshToken))
	return hex.EncodeToString(sum[:])
}

// ProcessingGuard は重複処理を防ぐための状態を保持する。
// 画面インスタンスごとに生成し、Orchestrator のロック下でのみ操作する。
type ProcessingGuard struct {
	lastAccepted string // 最後に成功したペイロードの署名
	processing   bool   // セッション交換が進行中か
	highestTag   int64  // これまでに届いた最大シーケンスタグ（0は未着）
}

// Admit は受理ルールを評価する。
//  1. セッション交換が進行中でないこと
//  2. 署名が最後に成功したものと異なること
//  3. シーケンスタグがある場合はそれまでに届いた最大値より大きいこと
//
// 判定結果にかかわらず、タグ付きペイロードは届いた時点で下限を引き上げる。
// 比較には引き上げ前の下限を使う。
func (g *ProcessingGuard) Admit(p model.LinkPayload) Decision {
	floor := g.highestTag
	if p.SequenceTag > g.highestTag {
		g.highestTag = p.SequenceTag
	}

	if g.processing {
		return DecisionBusy
	}
	if sig := Signature(p); sig != "" && sig == g.lastAccepted {
		return DecisionDuplicate
	}
	if isStale(p, floor) {
		return DecisionStale
	}
	return DecisionAccepted
}

// Readmit は交換中に届いて保留したペイロードを決着後に再評価する。
// 保留時点で下限に記録済みのため、同じタグは古いとみなさない。
func (g *ProcessingGuard) Readmit(p model.LinkPayload) Decision {
	if g.processing {
		return DecisionBusy
	}
	if sig := Signature(p); sig != "" && sig == g.lastAccepted {
		return DecisionDuplicate
	}
	if p.HasSequenceTag() && p.SequenceTag < g.highestTag {
		return DecisionStale
	}
	return DecisionAccepted
}

// Floor はこれまでに届いた最大シーケンスタグを返す。
func (g *ProcessingGuard) Floor() int64 {
	return g.highestTag
}

// Begin はセッション交換の開始を記録する。
func (g *ProcessingGuard) Begin() {
	g.processing = true
}

// Succeed はセッション交換の成功を記録する。署名は成功時のみ記録する。
func (g *ProcessingGuard) Succeed(p model.LinkPayload) {
	g.processing = false
	g.lastAccepted = Signature(p)
}

// Fail はセッション交換の失敗（タイムアウトを含む）を記録する。
func (g *ProcessingGuard) Fail() {
	g.processing = false
}

// Forget は手動再試行のため、最後に成功した署名とタグの下限を消去する。
func (g *ProcessingGuard) Forget() {
	g.lastAccepted = ""
	g.highestTag = 0
}

// Reset はリセット完了時にすべての状態を消去する。
func (g *ProcessingGuard) Reset() {
	*g = ProcessingGuard{}
}

// isStale はタグ付きペイロードが下限以下かどうかを返す。下限0は未着を表す。
func isStale(p model.LinkPayload, floor int64) bool {
	return p.HasSequenceTag() && floor > 0 && p.SequenceTag <= floor
}

// Processing はセッション交換が進行中かどうかを返す。
func (g *ProcessingGuard) Processing() bool {
	return g.processing
}
