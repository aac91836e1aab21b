package refresh

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/pitwall/internal/metrics"
	"github.com/hitoshi/pitwall/internal/model"
)

// --- テスト用モック ---

// fakeStore はArticleStoreのインメモリモック。
type fakeStore struct {
	mu        sync.Mutex
	feeds     []model.FeedSource
	remaining time.Duration
	articles  map[string]bool
	touched   []string
	persisted int
	pruned    int
}

func newFakeStore(feeds ...model.FeedSource) *fakeStore {
	return &fakeStore{feeds: feeds, articles: make(map[string]bool)}
}

func (s *fakeStore) Feeds() []model.FeedSource { return s.feeds }

func (s *fakeStore) CooldownRemaining(time.Time) time.Duration { return s.remaining }

func (s *fakeStore) FeedCooldownActive(string, time.Time) bool { return false }

func (s *fakeStore) TouchFetched(_ context.Context, feedURL string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, feedURL)
	return nil
}

func (s *fakeStore) Upsert(candidate *model.Article) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := candidate.FeedURL + "|" + candidate.GUID
	if s.articles[key] {
		return false
	}
	s.articles[key] = true
	return true
}

func (s *fakeStore) PersistArticles(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted++
	return nil
}

func (s *fakeStore) Prune(context.Context, time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned++
	return 0, 0, nil
}

// fakeFetcher はURLごとに固定結果を返すFeedFetcherモック。
type fakeFetcher struct {
	items  map[string][]*gofeed.Item
	errors map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, feedURL string) ([]*gofeed.Item, error) {
	if err, ok := f.errors[feedURL]; ok {
		return nil, err
	}
	return f.items[feedURL], nil
}

// passNormalizer はアイテムをそのままArticle候補に写すItemNormalizerモック。
type passNormalizer struct{}

func (passNormalizer) Normalize(item *gofeed.Item, src model.FeedSource, now time.Time) *model.Article {
	if item == nil {
		return nil
	}
	return &model.Article{
		Title:     item.Title,
		Link:      item.Link,
		GUID:      item.GUID,
		PubDate:   now.Format(time.RFC3339),
		FeedTitle: src.Title,
		FeedURL:   src.URL,
	}
}

func newTestOrchestrator(store *fakeStore, fetcher *fakeFetcher) *Orchestrator {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	collector := metrics.NewCollector(prometheus.NewRegistry())
	return NewOrchestrator(store, fetcher, passNormalizer{}, logger, collector, 4)
}

func item(guid string) *gofeed.Item {
	return &gofeed.Item{Title: "t-" + guid, Link: "https://x.example/" + guid, GUID: guid}
}

// TestRefreshAll_AggregatesAcrossFeeds は複数フィードの取り込み合算を検証する。
func TestRefreshAll_AggregatesAcrossFeeds(t *testing.T) {
	feedA := model.FeedSource{Title: "A", URL: "https://a.example/rss"}
	feedB := model.FeedSource{Title: "B", URL: "https://b.example/rss"}
	store := newFakeStore(feedA, feedB)
	fetcher := &fakeFetcher{items: map[string][]*gofeed.Item{
		feedA.URL: {item("a1"), item("a2")},
		feedB.URL: {item("b1")},
	}}

	result, err := newTestOrchestrator(store, fetcher).RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("RefreshAll() error = %v", err)
	}
	if result.Added != 3 {
		t.Errorf("added = %d, want 3", result.Added)
	}
	if len(result.Errors) != 0 {
		t.Errorf("errors = %v, want none", result.Errors)
	}
	if store.persisted != 1 {
		t.Errorf("persist count = %d, want 1", store.persisted)
	}
	if store.pruned != 1 {
		t.Errorf("prune count = %d, want 1 (prune runs every cycle)", store.pruned)
	}
}

// TestRefreshAll_CooldownSkips はグローバルクールダウン中のサイクル見送りを検証する。
func TestRefreshAll_CooldownSkips(t *testing.T) {
	feedA := model.FeedSource{Title: "A", URL: "https://a.example/rss"}
	store := newFakeStore(feedA)
	store.remaining = 12 * time.Minute
	fetcher := &fakeFetcher{items: map[string][]*gofeed.Item{feedA.URL: {item("a1")}}}

	result, err := newTestOrchestrator(store, fetcher).RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("RefreshAll() error = %v", err)
	}
	if !result.Skipped {
		t.Error("result should be skipped during cooldown")
	}
	if result.Remaining != 12*time.Minute {
		t.Errorf("remaining = %v, want 12m", result.Remaining)
	}
	if len(store.touched) != 0 {
		t.Errorf("no feed should be fetched during cooldown, touched = %v", store.touched)
	}
}

// TestRefreshAll_PartialFailure は一部フィードの失敗がサイクルを止めず、
// エラーとして集約されることを検証する。
func TestRefreshAll_PartialFailure(t *testing.T) {
	feedA := model.FeedSource{Title: "A", URL: "https://a.example/rss"}
	feedB := model.FeedSource{Title: "B", URL: "https://b.example/rss"}
	store := newFakeStore(feedA, feedB)
	fetcher := &fakeFetcher{
		items:  map[string][]*gofeed.Item{feedA.URL: {item("a1")}},
		errors: map[string]error{feedB.URL: model.NewHTTPStatusError(503)},
	}

	result, err := newTestOrchestrator(store, fetcher).RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("RefreshAll() error = %v", err)
	}
	if result.Added != 1 {
		t.Errorf("added = %d, want 1", result.Added)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %v, want 1 entry", result.Errors)
	}
	if !strings.HasPrefix(result.Errors[0], "B: ") {
		t.Errorf("error = %q, want prefixed with feed title", result.Errors[0])
	}
}

// TestRefreshAll_TouchesFailedFeeds は失敗フィードの最終フェッチ時刻も
// 進むことを検証する（壊れたフィードへの連打防止）。
func TestRefreshAll_TouchesFailedFeeds(t *testing.T) {
	feedA := model.FeedSource{Title: "A", URL: "https://a.example/rss"}
	store := newFakeStore(feedA)
	fetcher := &fakeFetcher{errors: map[string]error{feedA.URL: model.NewNotXMLError()}}

	if _, err := newTestOrchestrator(store, fetcher).RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll() error = %v", err)
	}
	if len(store.touched) != 1 || store.touched[0] != feedA.URL {
		t.Errorf("touched = %v, want failed feed recorded", store.touched)
	}
}

// TestRefreshAll_DuplicatesNotCounted は重複記事がAddedに数えられないことを検証する。
func TestRefreshAll_DuplicatesNotCounted(t *testing.T) {
	feedA := model.FeedSource{Title: "A", URL: "https://a.example/rss"}
	store := newFakeStore(feedA)
	fetcher := &fakeFetcher{items: map[string][]*gofeed.Item{
		feedA.URL: {item("a1"), item("a1"), item("a2")},
	}}

	result, err := newTestOrchestrator(store, fetcher).RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("RefreshAll() error = %v", err)
	}
	if result.Added != 2 {
		t.Errorf("added = %d, want 2 (duplicate guid collapsed)", result.Added)
	}

	// 2回目のサイクルは全件重複で0件
	store.remaining = 0
	result, err = newTestOrchestrator(store, fetcher).RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("second RefreshAll() error = %v", err)
	}
	if result.Added != 0 {
		t.Errorf("second cycle added = %d, want 0", result.Added)
	}
}
