package feed

import (
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/pitwall/internal/model"
	"github.com/hitoshi/pitwall/internal/security"
)

// TextExtractor はHTMLからのプレーンテキスト抽出のインターフェース。
// security.TextExtractorServiceを抽象化してテスタビリティを向上させる。
type TextExtractor interface {
	PlainText(rawHTML string) string
}

// Normalizer はフィードアイテムを正規化済みArticle候補に変換する。
// IDの採番は行わない（同一性判定はストア側の責務）。
type Normalizer struct {
	text      TextExtractor
	retention time.Duration
}

// NewNormalizer はNormalizerの新しいインスタンスを生成する。
// retentionを超えて古いアイテムは候補を生成せずに捨てる
// （プルーナーがすぐ削除するものを取り込まないため）。
func NewNormalizer(text TextExtractor, retention time.Duration) *Normalizer {
	return &Normalizer{
		text:      text,
		retention: retention,
	}
}

// Normalize は1アイテムからArticle候補を0件または1件生成する。
// 公開日時がパースでき、かつretentionを超えて古い場合はnilを返す。
// 公開日時が欠落しているアイテムはパース時刻を公開日時とする
// （真の経過時間に対してプルーニングが遅延する既知の挙動）。
func (n *Normalizer) Normalize(item *gofeed.Item, src model.FeedSource, now time.Time) *model.Article {
	if item == nil {
		return nil
	}

	// 古すぎるアイテムは候補にしない
	published := itemPublishedTime(item)
	if published != nil && now.Sub(*published) > n.retention {
		return nil
	}

	title := security.Collapse(item.Title)
	link := resolveURL(item.Link, src.URL)

	descHTML := item.Description
	if descHTML == "" {
		descHTML = item.Content
	}
	description := n.text.PlainText(descHTML)

	// Atomはupdatedが実質の公開日時として運用されることが多いため優先する
	pubDate := item.Updated
	if pubDate == "" {
		pubDate = item.Published
	}
	if pubDate == "" {
		pubDate = now.Format(time.RFC3339)
	}

	if IsAggregatorFeed(src.URL) {
		originLink, anchorText := ExtractOriginFromDescription(descHTML)
		if originLink != "" {
			link = resolveURL(originLink, src.URL)
		}
		title = CleanAggregatorTitle(title)
		description = anchorText
	}

	// 画像は元記事リンク確定後のリンクを基準に解決する
	// （アグリゲーターの相対パスをリダイレクターのホストに解決しないため）
	imageBase := link
	if imageBase == "" {
		imageBase = src.URL
	}
	image := imageFromItem(item, descHTML, imageBase)
	if IsAggregatorFeed(src.URL) && IsPlaceholderImage(image) {
		image = ""
	}

	return &model.Article{
		Title:       title,
		Link:        link,
		GUID:        item.GUID,
		PubDate:     pubDate,
		Description: description,
		Image:       image,
		FeedTitle:   src.Title,
		FeedURL:     src.URL,
		Seen:        false,
	}
}

// itemPublishedTime はパース済みの公開日時を返す。どちらも欠落ならnil。
// 文字列側のpubDate選択と同じくupdatedを優先する。
func itemPublishedTime(item *gofeed.Item) *time.Time {
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed
	}
	return item.PublishedParsed
}

// imageFromItem はアイテムからサムネイルURLを優先順で抽出する:
// enclosure → media:content/media:thumbnail → description内の最初の<img src>。
// 3つとも欠落の場合は空文字を返し、エンリッチメントに委ねる。
func imageFromItem(item *gofeed.Item, descHTML, base string) string {
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" {
			return resolveURL(enc.URL, base)
		}
	}

	if u := mediaExtensionURL(item); u != "" {
		return resolveURL(u, base)
	}

	if src := firstImgSrc(descHTML); src != "" {
		return resolveURL(src, base)
	}

	return ""
}

// mediaExtensionURL はmedia名前空間拡張からurl属性を探す。
func mediaExtensionURL(item *gofeed.Item) string {
	media, ok := item.Extensions["media"]
	if !ok {
		return ""
	}
	for _, name := range []string{"content", "thumbnail"} {
		for _, e := range media[name] {
			if u := e.Attrs["url"]; u != "" {
				return u
			}
		}
	}
	return ""
}

// firstImgSrc はHTML断片内の最初の<img src>を返す。
func firstImgSrc(rawHTML string) string {
	if rawHTML == "" || !strings.Contains(rawHTML, "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	return src
}

// resolveURL はrawをbaseに対して解決する。どちらかが不正ならrawをそのまま返す。
func resolveURL(raw, base string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return raw
	}
	r, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return b.ResolveReference(r).String()
}
