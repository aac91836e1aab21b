// Package refresh は全フィードの一括リフレッシュサイクルを提供する。
// グローバルクールダウンのゲート、並列フェッチの制御、
// 取り込み結果の集約、サイクル末尾のプルーニングを含む。
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/pitwall/internal/metrics"
	"github.com/hitoshi/pitwall/internal/model"
)

// FeedFetcher は1フィードのフェッチ実行インターフェース。
type FeedFetcher interface {
	Fetch(ctx context.Context, feedURL string) ([]*gofeed.Item, error)
}

// ItemNormalizer はフィードアイテムの正規化インターフェース。
type ItemNormalizer interface {
	Normalize(item *gofeed.Item, src model.FeedSource, now time.Time) *model.Article
}

// ArticleStore はオーケストレーターが必要とするストア操作のインターフェース。
type ArticleStore interface {
	Feeds() []model.FeedSource
	CooldownRemaining(now time.Time) time.Duration
	FeedCooldownActive(feedURL string, now time.Time) bool
	TouchFetched(ctx context.Context, feedURL string, now time.Time) error
	Upsert(candidate *model.Article) bool
	PersistArticles(ctx context.Context) error
	Prune(ctx context.Context, now time.Time) (removed, cleared int, err error)
}

// Result は1リフレッシュサイクルの集約結果。
// 一部のフィードが失敗してもサイクル全体は失敗しない:
// 失敗フィードはAddedに寄与せずErrorsに1エントリを残すだけ。
type Result struct {
	Added     int           // 新規取り込み記事数（全フィード合計）
	Errors    []string      // 「フィードタイトル: 失敗理由」の一覧
	Skipped   bool          // グローバルクールダウンでサイクル自体を見送った
	Remaining time.Duration // Skipped時のクールダウン残り時間
}

// Orchestrator は全フィードリフレッシュの進行役。
// 同時に1サイクルしか実行しない（実行中の再入はクールダウン扱いで棄却）。
type Orchestrator struct {
	store          ArticleStore
	fetcher        FeedFetcher
	normalizer     ItemNormalizer
	logger         *slog.Logger
	collector      metrics.MetricsCollector
	maxConcurrency int

	mu      sync.Mutex
	running bool
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewOrchestrator(
	store ArticleStore,
	fetcher FeedFetcher,
	normalizer ItemNormalizer,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	maxConcurrency int,
) *Orchestrator {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Orchestrator{
		store:          store,
		fetcher:        fetcher,
		normalizer:     normalizer,
		logger:         logger,
		collector:      collector,
		maxConcurrency: maxConcurrency,
	}
}

// RefreshAll は全フィードを1回リフレッシュする。
// グローバルクールダウンが有効な間はフェッチを一切行わず、
// 残り時間をResultで返す。個別フィードの失敗はErrorsに集約され、
// サイクルを止めない。サイクル末尾で必ずプルーニングを実行する。
func (o *Orchestrator) RefreshAll(ctx context.Context) (*Result, error) {
	now := time.Now()

	if remaining := o.store.CooldownRemaining(now); remaining > 0 {
		o.logger.Info("クールダウン中のためリフレッシュを見送ります",
			slog.Duration("remaining", remaining),
		)
		return &Result{Skipped: true, Remaining: remaining}, nil
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		o.logger.Info("リフレッシュが実行中のため再入を棄却します")
		return &Result{Skipped: true}, nil
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	feeds := o.store.Feeds()
	start := time.Now()
	o.logger.Info("リフレッシュサイクルを開始します",
		slog.Int("feed_count", len(feeds)),
	)

	type feedOutcome struct {
		index int
		added int
		err   error
		src   model.FeedSource
	}

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, o.maxConcurrency)
	outcomes := make([]feedOutcome, len(feeds))
	var wg sync.WaitGroup

	for i, src := range feeds {
		// フィード個別クールダウン中のフィードはこのサイクルに寄与しない
		if o.store.FeedCooldownActive(src.URL, now) {
			outcomes[i] = feedOutcome{index: i, src: src}
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(i int, src model.FeedSource) {
			defer wg.Done()
			defer func() { <-sem }()

			added, err := o.refreshFeed(ctx, src)
			outcomes[i] = feedOutcome{index: i, added: added, err: err, src: src}
		}(i, src)
	}

	wg.Wait()

	result := &Result{}
	for _, oc := range outcomes {
		result.Added += oc.added
		if oc.err != nil {
			result.Errors = append(result.Errors, formatFeedError(oc.src, oc.err))
		}
	}
	sort.Strings(result.Errors)

	if result.Added > 0 {
		if err := o.store.PersistArticles(ctx); err != nil {
			return result, err
		}
		o.collector.RecordArticlesAdded(result.Added)
	}

	removed, _, err := o.store.Prune(ctx, time.Now())
	if err != nil {
		return result, err
	}
	if removed > 0 {
		o.collector.RecordArticlesPruned(removed)
	}

	o.logger.Info("リフレッシュサイクルが完了しました",
		slog.Int("feed_count", len(feeds)),
		slog.Int("added", result.Added),
		slog.Int("error_count", len(result.Errors)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return result, nil
}

// refreshFeed は1フィードをフェッチして取り込み、新規記事数を返す。
// リクエストを発行した時点で最終フェッチ時刻を進める
// （失敗したフィードもクールダウンに参加させ、壊れたフィードへの
// 連打を防ぐ）。
func (o *Orchestrator) refreshFeed(ctx context.Context, src model.FeedSource) (int, error) {
	fetchStart := time.Now()
	items, fetchErr := o.fetcher.Fetch(ctx, src.URL)
	o.collector.RecordFetchLatency(time.Since(fetchStart))

	if touchErr := o.store.TouchFetched(ctx, src.URL, time.Now()); touchErr != nil {
		o.logger.Error("最終フェッチ時刻の更新に失敗しました",
			slog.String("feed_url", src.URL),
			slog.String("error", touchErr.Error()),
		)
	}

	if fetchErr != nil {
		var fe *model.FetchError
		if errors.As(fetchErr, &fe) {
			o.collector.RecordFetchFailure(string(fe.Code))
		} else {
			o.collector.RecordFetchFailure("UNKNOWN")
		}
		return 0, fetchErr
	}
	o.collector.RecordFetchSuccess()

	now := time.Now()
	added := 0
	for _, item := range items {
		candidate := o.normalizer.Normalize(item, src, now)
		if candidate == nil {
			continue
		}
		if o.store.Upsert(candidate) {
			added++
		}
	}

	o.logger.Info("フィードを取り込みました",
		slog.String("feed_url", src.URL),
		slog.Int("item_count", len(items)),
		slog.Int("added", added),
	)
	return added, nil
}

// formatFeedError は集約結果用の「フィードタイトル: 失敗理由」文字列を作る。
func formatFeedError(src model.FeedSource, err error) string {
	title := src.Title
	if title == "" {
		title = src.URL
	}
	var fe *model.FetchError
	if errors.As(err, &fe) {
		return fmt.Sprintf("%s: %s", title, fe.Message)
	}
	return fmt.Sprintf("%s: %s", title, err.Error())
}
