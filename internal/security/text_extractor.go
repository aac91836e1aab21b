package security

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// TextExtractorService はHTML断片からプレーンテキストを抽出する
// インターフェースを定義する。フィード記事のdescription正規化に使用される。
type TextExtractorService interface {
	// PlainText はHTMLのタグを全除去し、エンティティをデコードした上で
	// 連続する空白を1つに畳んだプレーンテキストを返す。
	// 空文字列の入力には空文字列を返す。冪等。
	PlainText(rawHTML string) string
}

// textExtractor はTextExtractorServiceの実装。
// bluemondayのStrictPolicy（全タグ除去）を保持し、スレッドセーフに動作する。
type textExtractor struct {
	policy *bluemonday.Policy
}

// NewTextExtractor はTextExtractorServiceの新しいインスタンスを生成する。
func NewTextExtractor() *textExtractor {
	return &textExtractor{
		policy: bluemonday.StrictPolicy(),
	}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// PlainText はHTMLをタグ除去済みのプレーンテキストに変換する。
// StrictPolicyはタグを除去しつつテキストをエスケープして返すため、
// その後にエンティティをデコードして元のテキストを復元する。
func (t *textExtractor) PlainText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	stripped := t.policy.Sanitize(rawHTML)
	decoded := html.UnescapeString(stripped)
	return Collapse(decoded)
}

// Collapse は連続する空白文字を1つのスペースに畳み、前後の空白を除去する。
func Collapse(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// compile-time interface check
var _ TextExtractorService = (*textExtractor)(nil)
