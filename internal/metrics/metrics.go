// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordFetchSuccess()
	RecordFetchFailure(code string)
	RecordFetchLatency(duration time.Duration)
	RecordArticlesAdded(count int)
	RecordArticlesPruned(count int)
	RecordEnrichAttempt()
	RecordEnrichSuccess()
	SetEnrichInflight(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess   prometheus.Counter
	fetchFail      *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
	articlesAdded  prometheus.Counter
	articlesPruned prometheus.Counter
	enrichAttempt  prometheus.Counter
	enrichSuccess  prometheus.Counter
	enrichInflight prometheus.Gauge
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pitwall_fetch_success_total",
			Help: "フィードフェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pitwall_fetch_fail_total",
			Help: "エラー分類別のフィードフェッチ失敗数",
		}, []string{"code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pitwall_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		articlesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pitwall_articles_added_total",
			Help: "新規取り込みされた記事の合計数",
		}),
		articlesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pitwall_articles_pruned_total",
			Help: "保持期間超過で削除された記事の合計数",
		}),
		enrichAttempt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pitwall_enrich_attempt_total",
			Help: "サムネイルエンリッチメント試行の合計数",
		}),
		enrichSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pitwall_enrich_success_total",
			Help: "サムネイル解決に成功したエンリッチメントの合計数",
		}),
		enrichInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pitwall_enrich_inflight",
			Help: "実行中のエンリッチメントジョブ数",
		}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.fetchLatency,
		c.articlesAdded,
		c.articlesPruned,
		c.enrichAttempt,
		c.enrichSuccess,
		c.enrichInflight,
	)

	return c
}

// RecordFetchSuccess はフィードフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess() {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はエラー分類付きでフェッチ失敗を記録する。
func (c *Collector) RecordFetchFailure(code string) {
	c.fetchFail.WithLabelValues(code).Inc()
}

// RecordFetchLatency はフィードフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordArticlesAdded は新規取り込みされた記事数を記録する。
func (c *Collector) RecordArticlesAdded(count int) {
	c.articlesAdded.Add(float64(count))
}

// RecordArticlesPruned は削除された記事数を記録する。
func (c *Collector) RecordArticlesPruned(count int) {
	c.articlesPruned.Add(float64(count))
}

// RecordEnrichAttempt はエンリッチメント試行を記録する。
func (c *Collector) RecordEnrichAttempt() {
	c.enrichAttempt.Inc()
}

// RecordEnrichSuccess はエンリッチメント成功を記録する。
func (c *Collector) RecordEnrichSuccess() {
	c.enrichSuccess.Inc()
}

// SetEnrichInflight は実行中のエンリッチメントジョブ数を設定する。
func (c *Collector) SetEnrichInflight(n int) {
	c.enrichInflight.Set(float64(n))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
