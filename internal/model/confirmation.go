// Package model はドメインモデルを定義する。
package model

import "time"

// ConfirmationStatus はリンク確認の状態を表す。
type ConfirmationStatus string

const (
	// StatusIdle は有効なリンクをまだ受け取っていない状態。
	StatusIdle ConfirmationStatus = "idle"
	// StatusConfirming はセッション交換の通信中の状態。
	StatusConfirming ConfirmationStatus = "confirming"
	// StatusReady はセッションが確立し、フォーム送信が可能な状態。
	StatusReady ConfirmationStatus = "ready"
	// StatusError は確認に失敗した状態。再試行が可能。
	StatusError ConfirmationStatus = "error"
)

// ConfirmationState は1回の確認試行のライフサイクルを表す。
// Status == StatusReady は、現在の試行でセッションが確立し、
// より新しい試行に置き換えられていない場合に限る。
type ConfirmationState struct {
	Status  ConfirmationStatus
	Message string
}

// LinkKind はリンクの種別を表す。
type LinkKind string

const (
	// KindRecovery はパスワードリセットリンク。
	KindRecovery LinkKind = "recovery"
	// KindEmailVerification はメールアドレス確認リンク。
	KindEmailVerification LinkKind = "email_verification"
	// KindMalformed は解釈できない、またはエラーを含むリンク。
	KindMalformed LinkKind = "malformed"
)

// LinkSource はペイロードの配信元を表す。
type LinkSource string

const (
	SourceNavigation LinkSource = "navigation"
	SourceEvent      LinkSource = "event"
	SourceColdStart  LinkSource = "cold_start"
	SourceRetry      LinkSource = "retry"
)

// LinkPayload は配信されたURLから抽出したデータを表す。
// AccessToken, RefreshToken は Kind != KindMalformed の場合のみ設定される。
type LinkPayload struct {
	Kind             LinkKind
	AccessToken      string
	RefreshToken     string
	SequenceTag      int64 // 0 は「不明（最古）」を意味する
	ErrorCode        string
	ErrorDescription string
}

// WellFormed はセッション交換に使用できるペイロードかどうかを返す。
func (p LinkPayload) WellFormed() bool {
	return p.Kind != KindMalformed && p.AccessToken != "" && p.RefreshToken != ""
}

// HasSequenceTag は順序付け情報を持つかどうかを返す。
func (p LinkPayload) HasSequenceTag() bool {
	return p.SequenceTag > 0
}

// Session は認証バックエンドで確立したセッションを表す。
type Session struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	UserID       string
	Email        string
}
