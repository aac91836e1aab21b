// Package model はドメインモデルを定義する。
package model

import "time"

// FeedSource はユーザーが管理するフィードの1エントリを表す。
// 並び順は表示順のみを意味し、URLの一意性は強制しない
// （重複URLは重複フェッチになるだけで、1ソースにはマージされない）。
type FeedSource struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Article は正規化済みの記事レコード。
// IDは (feedUrl, guid-or-link) から決定論的に導出され、
// プロセスをまたいでも同一入力には同一IDが割り当てられる。
type Article struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Link        string `json:"link"`
	GUID        string `json:"guid"`
	PubDate     string `json:"pubDate"`
	Description string `json:"description"`
	Image       string `json:"image,omitempty"` // 空文字はサムネイルなし
	FeedTitle   string `json:"feedTitle"`
	FeedURL     string `json:"feedUrl"`
	Seen        bool   `json:"seen"`
}

// pubDateLayouts はフィードで一般的な日時フォーマット。
// RFC3339（正規化済み）を先頭に、RSS由来のRFC1123系を続ける。
var pubDateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// ParsePubDate は記事の公開日時文字列をパースする。
// どのフォーマットにも一致しない場合はfalseを返す。
func ParsePubDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
