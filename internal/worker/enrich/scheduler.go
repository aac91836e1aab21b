package enrich

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/pitwall/internal/feed"
	"github.com/hitoshi/pitwall/internal/metrics"
	"github.com/hitoshi/pitwall/internal/model"
	"github.com/hitoshi/pitwall/internal/proxy"
)

// ImageStore はスケジューラが必要とするストア操作のインターフェース。
type ImageStore interface {
	Get(id string) (model.Article, bool)
	SetImage(ctx context.Context, id, imageURL string) error
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// ProxyBaseSource は現在有効なプロキシベースを提供するインターフェース。
type ProxyBaseSource interface {
	ProxyBase() string
}

// Observer はサムネイル解決の通知コールバック。
type Observer func(articleID, imageURL string)

// Scheduler は可視記事のサムネイル解決を有界な並列度で実行する。
// FIFOキュー + 固定ワーカー数 + レートリミッターの3段で
// 記事ページホストへの負荷を抑える。各記事は一度だけ試行され、
// 成功・失敗を問わず再試行されない（プルーナーによる
// プレースホルダークリアが唯一の再開放経路）。
type Scheduler struct {
	store     ImageStore
	ssrfGuard SSRFValidator
	base      ProxyBaseSource
	logger    *slog.Logger
	collector metrics.MetricsCollector

	client      *http.Client
	limiter     *rate.Limiter
	timeout     time.Duration
	maxBodySize int64
	workers     int
	queue       chan string
	inflight    atomic.Int64

	mu        sync.Mutex
	attempted map[string]struct{}
	observer  Observer
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// workersが0以下の場合はデフォルト値2を使用する。
func NewScheduler(
	store ImageStore,
	ssrfGuard SSRFValidator,
	base ProxyBaseSource,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	workers int,
	queueSize int,
	timeout time.Duration,
	maxBodySize int64,
	ratePerSec float64,
	burst int,
) *Scheduler {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Scheduler{
		store:       store,
		ssrfGuard:   ssrfGuard,
		base:        base,
		logger:      logger,
		collector:   collector,
		client:      ssrfGuard.NewSafeClient(timeout, maxBodySize),
		limiter:     rate.NewLimiter(rate.Limit(ratePerSec), burst),
		timeout:     timeout,
		maxBodySize: maxBodySize,
		workers:     workers,
		queue:       make(chan string, queueSize),
		attempted:   make(map[string]struct{}),
	}
}

// OnImageResolved はサムネイル解決時のコールバックを設定する。
// Startの前に呼ぶこと。
func (s *Scheduler) OnImageResolved(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Start は固定数のワーカーを起動する。コンテキストのキャンセルで
// 全ワーカーが停止するまでブロックする。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("エンリッチメントワーカーを開始しました",
		slog.Int("workers", s.workers),
	)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	wg.Wait()

	s.logger.Info("エンリッチメントワーカーを停止しました")
}

// NoteVisible は記事が可視になったことを通知する。
// 対象条件（存在する・リンクがある・画像が空かプレースホルダー・未試行）を
// 満たす場合のみキューに積む。キューが満杯の場合は黙って捨てる
// （スクロールで再可視になれば試行済みでない限り再通知される）。
func (s *Scheduler) NoteVisible(id string) {
	a, ok := s.store.Get(id)
	if !ok || a.Link == "" {
		return
	}
	if a.Image != "" && !feed.IsPlaceholderImage(a.Image) {
		return
	}

	s.mu.Lock()
	if _, done := s.attempted[id]; done {
		s.mu.Unlock()
		return
	}
	// キュー投入の時点で試行済みにする（同一記事の二重投入防止）
	s.attempted[id] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- id:
	default:
		s.logger.Warn("エンリッチメントキューが満杯のため破棄します",
			slog.String("article_id", id),
		)
		// 破棄した記事は再可視で試行できるよう未試行に戻す
		s.mu.Lock()
		delete(s.attempted, id)
		s.mu.Unlock()
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			s.process(ctx, id)
		}
	}
}

// process は1記事のサムネイル解決を実行する。
// 失敗はログに残すだけで呼び出し側に伝播しない。
func (s *Scheduler) process(ctx context.Context, id string) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	s.collector.RecordEnrichAttempt()
	s.collector.SetEnrichInflight(int(s.inflight.Add(1)))
	defer func() {
		s.collector.SetEnrichInflight(int(s.inflight.Add(-1)))
	}()

	a, ok := s.store.Get(id)
	if !ok {
		return
	}
	// キュー滞在中に別経路で本物の画像が付いた記事は再フェッチしない
	if a.Image != "" && !feed.IsPlaceholderImage(a.Image) {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	imageURL, err := s.fetchImage(fetchCtx, a.Link)
	if err != nil {
		s.logger.Warn("サムネイル解決に失敗しました",
			slog.String("article_id", id),
			slog.String("link", a.Link),
			slog.String("error", err.Error()),
		)
		return
	}
	if imageURL == "" || feed.IsPlaceholderImage(imageURL) {
		return
	}

	if err := s.store.SetImage(ctx, id, imageURL); err != nil {
		s.logger.Error("サムネイルの保存に失敗しました",
			slog.String("article_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	s.collector.RecordEnrichSuccess()

	s.mu.Lock()
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer(id, imageURL)
	}

	s.logger.Info("サムネイルを解決しました",
		slog.String("article_id", id),
		slog.String("image_url", imageURL),
	)
}

// fetchImage は記事ページをプロキシ経由でフェッチして代表画像を抽出する。
func (s *Scheduler) fetchImage(ctx context.Context, link string) (string, error) {
	proxied := proxy.Build(s.base.ProxyBase(), link)
	if err := s.ssrfGuard.ValidateURL(proxied); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxied, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Pitwall/1.0 RSS Reader")
	req.Header.Set("Accept", "text/html, application/xhtml+xml, */*")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", model.NewHTTPStatusError(resp.StatusCode)
	}

	// フィードやバイナリをHTMLとしてパースしない
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if contentType != "" && !strings.Contains(contentType, "html") {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBodySize))
	if err != nil {
		return "", err
	}

	return ExtractImage(string(body), link), nil
}
