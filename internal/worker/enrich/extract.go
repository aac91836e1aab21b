// Package enrich は記事ページからのサムネイル遅延解決を提供する。
// 可視になった記事だけを対象に、ページHTMLから代表画像を抽出する。
package enrich

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

// jsonLDImagePaths はJSON-LD構造の揺れに対応する画像パスの探索順。
// 単一オブジェクト、配列、@graphなしの素の配列をカバーする。
var jsonLDImagePaths = []string{
	"image",
	"image.url",
	"image.0",
	"image.0.url",
	"0.image",
	"0.image.url",
}

// ExtractImage はページHTMLから代表画像URLを優先順で抽出する:
// og:image / twitter:image メタタグ → link[rel=image_src] →
// JSON-LDのimageフィールド → 本文最初の<img src>。
// 相対URLはbaseURLに対して解決する。見つからなければ空文字。
func ExtractImage(pageHTML, baseURL string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return ""
	}

	if u := metaImage(doc); u != "" {
		return resolveAgainst(u, baseURL)
	}

	if u, ok := doc.Find(`link[rel="image_src"]`).First().Attr("href"); ok && u != "" {
		return resolveAgainst(u, baseURL)
	}

	if u := jsonLDImage(doc); u != "" {
		return resolveAgainst(u, baseURL)
	}

	if u, ok := doc.Find("img[src]").First().Attr("src"); ok && u != "" {
		return resolveAgainst(u, baseURL)
	}

	return ""
}

// metaImage はog:image系メタタグからcontent属性を探す。
func metaImage(doc *goquery.Document) string {
	selectors := []string{
		`meta[property="og:image"]`,
		`meta[name="og:image"]`,
		`meta[name="twitter:image"]`,
		`meta[property="twitter:image"]`,
	}
	for _, sel := range selectors {
		if u, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(u) != "" {
			return strings.TrimSpace(u)
		}
	}
	return ""
}

// jsonLDImage はld+jsonスクリプトブロックからimageフィールドを探す。
// JSONとして不正なブロックは黙って飛ばす。
func jsonLDImage(doc *goquery.Document) string {
	var found string
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := s.Text()
		if !gjson.Valid(raw) {
			return true
		}
		for _, path := range jsonLDImagePaths {
			v := gjson.Get(raw, path)
			if v.Type == gjson.String && v.Str != "" {
				found = v.Str
				return false
			}
		}
		return true
	})
	return found
}

// resolveAgainst はrawをbaseに対して解決する。baseが不正ならrawをそのまま返す。
func resolveAgainst(raw, base string) string {
	b, err := url.Parse(base)
	if err != nil {
		return raw
	}
	r, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	return b.ResolveReference(r).String()
}
