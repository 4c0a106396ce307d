// Package security はアプリケーションのセキュリティ機能を提供する。
//
// DisplayNameSanitizer はIdPから受け取った表示名からマークアップと制御文字を取り除き、
// 保存・表示して安全なプレーンテキストに正規化する。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameRunes は保存する表示名の最大文字数（users.display_nameの長さに合わせる）。
const MaxDisplayNameRunes = 255

// DisplayNameSanitizer は表示名のサニタイズ機能のインターフェース。
type DisplayNameSanitizer interface {
	// Sanitize は表示名をプレーンテキストに正規化する。
	// HTMLタグを除去し、制御文字を取り除き、前後の空白を詰め、最大長で切り詰める。
	Sanitize(name string) string
}

// displayNameSanitizer はDisplayNameSanitizerの実装。
// bluemondayのStrictPolicyは全タグを除去し、スレッドセーフに利用できる。
type displayNameSanitizer struct {
	policy *bluemonday.Policy
}

// NewDisplayNameSanitizer はDisplayNameSanitizerの新しいインスタンスを生成する。
func NewDisplayNameSanitizer() *displayNameSanitizer {
	return &displayNameSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は表示名をプレーンテキストに正規化する。
func (s *displayNameSanitizer) Sanitize(name string) string {
	if name == "" {
		return ""
	}

	// StrictPolicyはテキストをエンティティエスケープして返すため、
	// 描画時のテンプレートで二重エスケープされないよう元に戻す。
	text := html.UnescapeString(s.policy.Sanitize(name))

	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)

	if runes := []rune(text); len(runes) > MaxDisplayNameRunes {
		text = strings.TrimSpace(string(runes[:MaxDisplayNameRunes]))
	}
	return text
}

// compile-time interface check
var _ DisplayNameSanitizer = (*displayNameSanitizer)(nil)
