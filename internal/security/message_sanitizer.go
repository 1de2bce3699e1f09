// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MessageSanitizer はディープリンクに含まれるエラー説明など、
// 第三者が制御できる文字列を画面表示前に平文化する。
// OutboundGuard は認証バックエンドへの送信先を制限する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxMessageLength は表示するメッセージの最大文字数。
const MaxMessageLength = 300

// MessageSanitizer はリンク由来のメッセージを平文化する。
type MessageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はMessageSanitizerを生成する。
// bluemondayのStrictPolicyですべてのタグを除去する。
func NewMessageSanitizer() *MessageSanitizer {
	return &MessageSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeMessage はタグを除去し、エスケープを戻した平文を返す。
// 連続する空白は1つにまとめ、MaxMessageLength文字を超える部分は切り詰める。
// 同一入力に対して常に同一出力を返す。
func (s *MessageSanitizer) SanitizeMessage(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicy は & などをエスケープするため、表示用に元へ戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > MaxMessageLength {
		runes := []rune(text)
		text = string(runes[:MaxMessageLength]) + "…"
	}
	return text
}
