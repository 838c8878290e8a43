// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は店舗名・氏名・住所など利用者が入力したプレーンテキストから
// マークアップを除去する。bluemondayのStrictPolicyを使い、
// タグと属性をすべて取り除いたうえで前後の空白を詰める。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はプレーンテキストのサニタイズ機能のインターフェース。
type TextSanitizerService interface {
	// Sanitize はタグを除去したテキストを返す。
	// 文字実体参照は元の文字に戻す。同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
}

// TextSanitizer はTextSanitizerServiceの実装。スレッドセーフ。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去したテキストを返す。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは&や'をエスケープするため、保存用に元へ戻す
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(cleaned), " ")
}
