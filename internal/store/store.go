// Package store は記事・フィード・クールダウン状態の保持と永続化を提供する。
// すべての可変状態はStoreが所有し、変更操作はStoreのメソッドとして提供される
// （アンビエントなグローバル状態は持たない）。
package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/pitwall/internal/feed"
	"github.com/hitoshi/pitwall/internal/model"
	"github.com/hitoshi/pitwall/internal/repository"
)

// 永続化キー。3つの独立したblobに分かれており、キー間の原子性は保証しない
// （クラッシュ後の部分永続化は許容されるリスク）。
const (
	BlobKeyFeeds     = "feeds"
	BlobKeyArticles  = "articles"
	BlobKeyLastVisit = "last_visit"
	BlobKeyLastFetch = "last_fetch"
	BlobKeyProxyBase = "proxy_base"
)

// DefaultFeeds はフィードblobが存在しないときにシードされる初期フィード一覧。
// ソース側でエラーが頻発するフィードは除外してある。
var DefaultFeeds = []model.FeedSource{
	{Title: "Autosport (F1)", URL: "https://www.autosport.com/rss/f1/news/"},
	{Title: "Motorsport.com (F1)", URL: "https://www.motorsport.com/rss/f1/news/"},
	{Title: "RaceFans", URL: "https://feeds.feedburner.com/f1fanatic"},
	{Title: "FIA Press Releases", URL: "https://www.fia.com/rss/press-release"},
	{Title: "BBC Sport (F1)", URL: "https://feeds.bbci.co.uk/sport/formula1/rss.xml"},
	{Title: "Grand Prix 247 (mirror)", URL: "https://news.google.com/rss/search?q=site:grandprix247.com&hl=en-GB&gl=GB&ceid=GB:en"},
}

// Store はコア状態の唯一の所有者。
// 起動時にblobストアからロードし、変更操作のたびに該当blobを書き戻す。
type Store struct {
	mu               sync.RWMutex
	blobs            repository.BlobRepository
	logger           *slog.Logger
	retention        time.Duration
	cooldown         time.Duration
	defaultProxyBase string

	feeds     []model.FeedSource
	articles  map[string]*model.Article
	lastFetch map[string]int64 // feedURL -> 最終フェッチ時刻（epoch millis）
	lastVisit int64            // epoch millis
	proxyBase string           // 永続化されたオーバーライド（空=デフォルト使用）
}

// New はStoreの新しいインスタンスを生成する。Loadを呼ぶまで状態は空。
func New(
	blobs repository.BlobRepository,
	logger *slog.Logger,
	retention, cooldown time.Duration,
	defaultProxyBase string,
) *Store {
	return &Store{
		blobs:            blobs,
		logger:           logger,
		retention:        retention,
		cooldown:         cooldown,
		defaultProxyBase: defaultProxyBase,
		articles:         make(map[string]*model.Article),
		lastFetch:        make(map[string]int64),
	}
}

// Load はblobストアから全状態を読み込む。
// blobが存在しない場合はデフォルト値、JSONが壊れている場合も
// エラーにせずデフォルト値に縮退する（警告ログのみ）。
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if raw, ok, err := s.blobs.Get(ctx, BlobKeyFeeds); err != nil {
		return err
	} else if ok {
		if jsonErr := json.Unmarshal([]byte(raw), &s.feeds); jsonErr != nil {
			s.logger.Warn("フィードblobが壊れているため初期値に縮退します",
				slog.String("error", jsonErr.Error()))
			s.feeds = append([]model.FeedSource(nil), DefaultFeeds...)
		}
	} else {
		s.feeds = append([]model.FeedSource(nil), DefaultFeeds...)
	}

	if raw, ok, err := s.blobs.Get(ctx, BlobKeyArticles); err != nil {
		return err
	} else if ok {
		if jsonErr := json.Unmarshal([]byte(raw), &s.articles); jsonErr != nil {
			s.logger.Warn("記事blobが壊れているため空に縮退します",
				slog.String("error", jsonErr.Error()))
			s.articles = make(map[string]*model.Article)
		}
	}

	if raw, ok, err := s.blobs.Get(ctx, BlobKeyLastFetch); err != nil {
		return err
	} else if ok {
		if jsonErr := json.Unmarshal([]byte(raw), &s.lastFetch); jsonErr != nil {
			s.logger.Warn("最終フェッチblobが壊れているため空に縮退します",
				slog.String("error", jsonErr.Error()))
			s.lastFetch = make(map[string]int64)
		}
	}

	if raw, ok, err := s.blobs.Get(ctx, BlobKeyLastVisit); err != nil {
		return err
	} else if ok {
		if v, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			s.lastVisit = v
		}
	}

	if raw, ok, err := s.blobs.Get(ctx, BlobKeyProxyBase); err != nil {
		return err
	} else if ok {
		s.proxyBase = raw
	}

	s.logger.Info("状態をロードしました",
		slog.Int("feed_count", len(s.feeds)),
		slog.Int("article_count", len(s.articles)),
	)
	return nil
}

// MakeArticleID は (feedUrl, guid-or-link) から決定論的なArticleIDを導出する。
// guidが空の場合はlinkが識別子となる。SHA-1ベースの名前空間UUIDを使うため、
// 同一入力にはプロセスをまたいで常に同一IDが割り当てられる。
func MakeArticleID(feedURL, guid, link string) string {
	key := guid
	if key == "" {
		key = link
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(feedURL+"|"+key)).String()
}

// Upsert は候補記事を取り込み、新規作成されたかを返す。
// 既存IDの場合は既存レコードに一切触れない（first-write-wins）。
// 同一入力での繰り返し呼び出しは安全（冪等）。メモリ上の変更のみで、
// 永続化は呼び出し側がPersistArticlesで行う。
func (s *Store) Upsert(candidate *model.Article) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate.ID = MakeArticleID(candidate.FeedURL, candidate.GUID, candidate.Link)
	if _, exists := s.articles[candidate.ID]; exists {
		return false
	}

	clone := *candidate
	s.articles[candidate.ID] = &clone
	return true
}

// PersistArticles は記事マップをblobストアへ書き戻す。
func (s *Store) PersistArticles(ctx context.Context) error {
	s.mu.RLock()
	raw, err := json.Marshal(s.articles)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return s.blobs.Set(ctx, BlobKeyArticles, string(raw))
}

// Prune は保持期間を超えた記事と公開日時をパースできない記事を削除し、
// 残ったアグリゲーター記事のプレースホルダー画像を空に戻す
// （エンリッチメント対象として再開放する）。
// 変更があった場合のみ永続化する。戻り値は削除数とクリア数。
func (s *Store) Prune(ctx context.Context, now time.Time) (removed, cleared int, err error) {
	s.mu.Lock()
	for id, a := range s.articles {
		t, ok := model.ParsePubDate(a.PubDate)
		if !ok || now.Sub(t) > s.retention {
			delete(s.articles, id)
			removed++
			continue
		}
		if a.Image != "" && feed.IsAggregatorFeed(a.FeedURL) && feed.IsPlaceholderImage(a.Image) {
			a.Image = ""
			cleared++
		}
	}
	s.mu.Unlock()

	if removed == 0 && cleared == 0 {
		return 0, 0, nil
	}

	if err := s.PersistArticles(ctx); err != nil {
		return removed, cleared, err
	}

	s.logger.Info("プルーニングが完了しました",
		slog.Int("removed", removed),
		slog.Int("placeholder_cleared", cleared),
	)
	return removed, cleared, nil
}

// Articles はフィルタ・検索適用済みの記事一覧を公開日時の降順で返す。
// filterはフィードタイトルの完全一致、searchはタイトル/フィードタイトルの
// 大文字小文字を無視した部分一致。戻り値は値コピー。
func (s *Store) Articles(filter, search string) []model.Article {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(search))
	out := make([]model.Article, 0, len(s.articles))
	for _, a := range s.articles {
		if filter != "" && a.FeedTitle != filter {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(a.Title), q) &&
			!strings.Contains(strings.ToLower(a.FeedTitle), q) {
			continue
		}
		out = append(out, *a)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := model.ParsePubDate(out[i].PubDate)
		tj, _ := model.ParsePubDate(out[j].PubDate)
		return ti.After(tj)
	})
	return out
}

// Get はIDで記事の値コピーを返す。
func (s *Store) Get(id string) (model.Article, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.articles[id]
	if !ok {
		return model.Article{}, false
	}
	return *a, true
}

// Len は記事数を返す。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.articles)
}

// SetImage は記事の画像URLを設定して永続化する（エンリッチメント用）。
func (s *Store) SetImage(ctx context.Context, id, imageURL string) error {
	s.mu.Lock()
	a, ok := s.articles[id]
	if ok {
		a.Image = imageURL
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.PersistArticles(ctx)
}

// MarkSeen は1記事を既読にして永続化する。
func (s *Store) MarkSeen(ctx context.Context, id string) error {
	s.mu.Lock()
	a, ok := s.articles[id]
	if ok {
		a.Seen = true
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.PersistArticles(ctx)
}

// MarkAllSeen は全記事を既読にし、最終訪問時刻を更新して両方永続化する。
func (s *Store) MarkAllSeen(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	for _, a := range s.articles {
		a.Seen = true
	}
	s.lastVisit = now.UnixMilli()
	visit := strconv.FormatInt(s.lastVisit, 10)
	s.mu.Unlock()

	if err := s.PersistArticles(ctx); err != nil {
		return err
	}
	return s.blobs.Set(ctx, BlobKeyLastVisit, visit)
}

// LastVisit は最終訪問時刻を返す。未訪問の場合はゼロ値。
func (s *Store) LastVisit() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastVisit == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.lastVisit)
}

// CooldownRemaining はグローバルクールダウンの残り時間を返す。
// ゲートは最新の（最大の）フィード別タイムスタンプから計算される。
// 1フィードのタイムスタンプだけが進んでいても全体がブロックされる
// 挙動は、共有プロキシへのレート制限として意図されたもの。
func (s *Store) CooldownRemaining(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest int64
	for _, ts := range s.lastFetch {
		if ts > newest {
			newest = ts
		}
	}
	if newest == 0 {
		return 0
	}

	remain := s.cooldown - now.Sub(time.UnixMilli(newest))
	if remain < 0 {
		return 0
	}
	return remain
}

// FeedCooldownActive はフィード個別のクールダウンが有効かを返す。
func (s *Store) FeedCooldownActive(feedURL string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.lastFetch[feedURL]
	if !ok {
		return false
	}
	return now.Sub(time.UnixMilli(ts)) < s.cooldown
}

// TouchFetched はフィードの最終フェッチ時刻を更新して永続化する。
// リクエストを発行したフィードは成否にかかわらず記録される。
func (s *Store) TouchFetched(ctx context.Context, feedURL string, now time.Time) error {
	s.mu.Lock()
	s.lastFetch[feedURL] = now.UnixMilli()
	raw, err := json.Marshal(s.lastFetch)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.blobs.Set(ctx, BlobKeyLastFetch, string(raw))
}

// Feeds は設定済みフィード一覧のコピーを返す。
func (s *Store) Feeds() []model.FeedSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.FeedSource(nil), s.feeds...)
}

// SetFeeds はフィード一覧を置き換えて永続化する。
func (s *Store) SetFeeds(ctx context.Context, feeds []model.FeedSource) error {
	s.mu.Lock()
	s.feeds = append([]model.FeedSource(nil), feeds...)
	raw, err := json.Marshal(s.feeds)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.blobs.Set(ctx, BlobKeyFeeds, string(raw))
}

// ProxyBase は現在有効なプロキシベースを返す。
// 永続化されたオーバーライドがあればそれを、なければデフォルトを返す。
func (s *Store) ProxyBase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proxyBase != "" {
		return s.proxyBase
	}
	return s.defaultProxyBase
}

// SetProxyBase はプロキシベースのオーバーライドを設定して永続化する。
func (s *Store) SetProxyBase(ctx context.Context, base string) error {
	s.mu.Lock()
	s.proxyBase = base
	s.mu.Unlock()
	return s.blobs.Set(ctx, BlobKeyProxyBase, base)
}
