// Package feed はフィードのフェッチと正規化のドメインロジックを提供する。
package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/pitwall/internal/model"
	"github.com/hitoshi/pitwall/internal/proxy"
)

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// ProxyBaseSource は現在有効なプロキシベースを提供するインターフェース。
// ベースは永続化されたオーバーライドで実行中に変わりうるため、
// フェッチごとに読み直す。
type ProxyBaseSource interface {
	ProxyBase() string
}

// Fetcher は1フィードのHTTPフェッチ・検証・パースを行う。
// プロキシ経由のGET、Content-Typeヒューリスティック、エンティティ修復、
// gofeedによるパースを実行する。リトライは行わない（失敗は記事0件と
// エラーメッセージ1件として集約結果に寄与するだけ）。
type Fetcher struct {
	client      *http.Client
	ssrfGuard   SSRFValidator
	base        ProxyBaseSource
	logger      *slog.Logger
	maxBodySize int64
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	ssrfGuard SSRFValidator,
	base ProxyBaseSource,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Fetcher {
	return &Fetcher{
		client:      ssrfGuard.NewSafeClient(timeout, maxBodySize),
		ssrfGuard:   ssrfGuard,
		base:        base,
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// Fetch はフィードをフェッチしてパース済みアイテム列を返す。
// 失敗はすべてmodel.FetchErrorとして分類される。
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) ([]*gofeed.Item, error) {
	start := time.Now()
	proxied := proxy.Build(f.base.ProxyBase(), feedURL)

	// プロキシベース自体が内部ホストを指す構成を弾く
	if err := f.ssrfGuard.ValidateURL(proxied); err != nil {
		f.logger.Warn("SSRF検証に失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewNetworkError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxied, nil)
	if err != nil {
		return nil, model.NewNetworkError(err)
	}
	req.Header.Set("User-Agent", "Pitwall/1.0 RSS Reader")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("フィードのHTTPリクエストに失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Warn("フィードが2xx以外を返しました",
			slog.String("feed_url", feedURL),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.NewHTTPStatusError(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, model.NewNetworkError(err)
	}
	text := string(body)

	// Content-TypeがXML系でない場合はボディで判定する
	// （アンチボット/エラーページのHTML応答をフィードとして扱わないため）
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !isFeedContentType(contentType) && !looksLikeXML(text) {
		f.logger.Warn("XML以外の応答を受信しました",
			slog.String("feed_url", feedURL),
			slog.String("content_type", contentType),
		)
		return nil, model.NewNotXMLError()
	}

	repaired := repairEntities(text)

	parsed, err := gofeed.NewParser().ParseString(repaired)
	if err != nil {
		f.logger.Warn("フィードのパースに失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewXMLParseError(err)
	}

	if len(parsed.Items) == 0 {
		return nil, model.NewEmptyFeedError()
	}

	f.logger.Info("フィードフェッチが完了しました",
		slog.String("feed_url", feedURL),
		slog.Int("item_count", len(parsed.Items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return parsed.Items, nil
}

// isFeedContentType はContent-TypeがXML/RSS/Atomを示すかを判定する。
func isFeedContentType(contentType string) bool {
	return strings.Contains(contentType, "xml") ||
		strings.Contains(contentType, "rss") ||
		strings.Contains(contentType, "atom")
}

// looksLikeXML はボディがXML宣言で始まるか、<rss>/<feed>ルート要素を含むかを判定する。
func looksLikeXML(body string) bool {
	trimmed := strings.TrimSpace(strings.TrimPrefix(body, "\ufeff"))
	if strings.HasPrefix(trimmed, "<?xml") {
		return true
	}
	return feedRootRe.MatchString(body)
}

// feedRootRe は<rss>/<feed>ルート要素にマッチする。
// タグ名の直後に区切りを要求し、<feedback>等の別要素を誤検出しない。
var feedRootRe = regexp.MustCompile(`(?i)<(rss|feed)[\s>/]`)

// entityRe は認識可能なXMLエンティティ（5種の名前付き + 数値文字参照）に
// 続くアンパサンド、または裸のアンパサンド単体にマッチする。
var entityRe = regexp.MustCompile(`&(amp;|lt;|gt;|quot;|apos;|#[0-9]+;|#x[0-9a-fA-F]+;)?`)

// repairEntities は認識可能なエンティティの一部でない裸の & を &amp; に
// エスケープする。undefined entityによるXMLパースエラーを避けるための
// 字句レベルのベストエフォート修復であり、他の不正マークアップは直さない。
func repairEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return entityRe.ReplaceAllStringFunc(s, func(m string) string {
		if m == "&" {
			return "&amp;"
		}
		return m
	})
}
