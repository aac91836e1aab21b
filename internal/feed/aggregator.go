package feed

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/pitwall/internal/security"
)

// aggregatorHostSuffix はリンクラップ型ニュースアグリゲーターのホストサフィックス。
// このホストのフィードは記事リンクがリダイレクターを指すため、
// description内のアンカーから元記事リンクを復元する。
const aggregatorHostSuffix = "news.google.com"

// aggregatorBase はdescription内の相対hrefの解決に使うベースURL。
var aggregatorBase = &url.URL{Scheme: "https", Host: "news.google.com"}

// IsAggregatorFeed はフィードURLがアグリゲーターのものかを判定する。
func IsAggregatorFeed(feedURL string) bool {
	u, err := url.Parse(feedURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Hostname(), aggregatorHostSuffix)
}

// trailingSiteRe はアグリゲーターが付与する末尾の " - サイト名" にマッチする。
var trailingSiteRe = regexp.MustCompile(`\s+-\s+[^-]+$`)

// CleanAggregatorTitle はタイトル末尾の " - サイト名" サフィックスを除去する。
func CleanAggregatorTitle(title string) string {
	return strings.TrimSpace(trailingSiteRe.ReplaceAllString(title, ""))
}

// ExtractOriginFromDescription はアグリゲーターフィードのdescription HTMLから
// 元記事リンクとプレーンテキストを抽出する。
// リンクの探索順:
//  1. いずれかのアンカーhrefの url クエリパラメータ（見つかり次第確定）
//  2. ホストがアグリゲーター以外を指す最初のアンカー
//
// どちらも見つからない場合はlinkは空文字となり、呼び出し側は
// 元の（アグリゲーターの）リンクを維持する。
func ExtractOriginFromDescription(descHTML string) (link, text string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(descHTML))
	if err != nil {
		return "", security.Collapse(descHTML)
	}

	text = security.Collapse(doc.Text())

	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		ref, parseErr := url.Parse(strings.TrimSpace(href))
		if parseErr != nil {
			return true // 次のアンカーへ
		}
		resolved := aggregatorBase.ResolveReference(ref)

		if origin := resolved.Query().Get("url"); origin != "" {
			link = origin
			return false
		}
		if resolved.Host != "" && !strings.HasSuffix(resolved.Hostname(), aggregatorHostSuffix) {
			link = resolved.String()
			return false
		}
		return true
	})

	return link, text
}

// placeholderHosts はアグリゲーターのCDN/ブランディング画像配信ホスト。
// これらのホストの画像は記事固有のサムネイルではなく汎用プレースホルダー。
var placeholderHosts = []string{
	"news.google.com",
	"gstatic.com",
	"googleusercontent.com",
}

// placeholderPathPatterns はブランディング/静的アセットを示すパス断片。
var placeholderPathPatterns = []string{
	"/branding/",
	"favicon",
	"logo",
	"placeholder",
	"default_image",
}

// IsPlaceholderImage は画像URLが汎用プレースホルダーかを判定する。
// プレースホルダーと判定された画像は取り込み時・プルーニング時に破棄され、
// エンリッチメントによる本物のサムネイル取得に委ねられる。
func IsPlaceholderImage(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	host := strings.ToLower(u.Hostname())
	for _, h := range placeholderHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}

	path := strings.ToLower(u.Path)
	for _, p := range placeholderPathPatterns {
		if strings.Contains(path, p) {
			return true
		}
	}

	return false
}
