// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// リフレッシュコーディネーターやイベントバスから利用する。
type MetricsCollector interface {
	RecordRefreshSuccess(feedID string)
	RecordRefreshFailure(feedID string, kind string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordItemsUpserted(inserted, updated int)
	RecordRefreshSkipped()
	SetRefreshInFlight(n int)
	RecordEventDropped(eventType string)
	SetEventSubscribers(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	refreshSuccess   prometheus.Counter
	refreshFail      *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	fetchLatency     prometheus.Histogram
	itemsUpserted    *prometheus.CounterVec
	refreshSkipped   prometheus.Counter
	refreshInFlight  prometheus.Gauge
	eventsDropped    *prometheus.CounterVec
	eventSubscribers prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refreshSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedtree_refresh_success_total",
			Help: "フィードリフレッシュ成功の合計数",
		}),
		refreshFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedtree_refresh_fail_total",
			Help: "失敗種別ごとのフィードリフレッシュ失敗数",
		}, []string{"kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedtree_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedtree_fetch_latency_seconds",
			Help:    "フィードリフレッシュのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		itemsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedtree_items_upserted_total",
			Help: "挿入・更新された記事の合計数",
		}, []string{"op"}),
		refreshSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedtree_refresh_skipped_total",
			Help: "処理中のためスキップ（合流）されたリフレッシュ要求の数",
		}),
		refreshInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedtree_refresh_in_flight",
			Help: "現在フェッチ中のフィード数",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedtree_events_dropped_total",
			Help: "購読者のバッファ溢れで破棄されたイベント数",
		}, []string{"type"}),
		eventSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedtree_event_subscribers",
			Help: "ライブ更新イベントの購読者数",
		}),
	}

	reg.MustRegister(
		c.refreshSuccess,
		c.refreshFail,
		c.httpStatus,
		c.fetchLatency,
		c.itemsUpserted,
		c.refreshSkipped,
		c.refreshInFlight,
		c.eventsDropped,
		c.eventSubscribers,
	)

	return c
}

// RecordRefreshSuccess はリフレッシュ成功を記録する。
func (c *Collector) RecordRefreshSuccess(feedID string) {
	c.refreshSuccess.Inc()
}

// RecordRefreshFailure はリフレッシュ失敗を失敗種別（network, http, parse, storage など）ごとに記録する。
func (c *Collector) RecordRefreshFailure(feedID string, kind string) {
	c.refreshFail.WithLabelValues(kind).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はリフレッシュのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordItemsUpserted は挿入・更新された記事数を記録する。
func (c *Collector) RecordItemsUpserted(inserted, updated int) {
	c.itemsUpserted.WithLabelValues("insert").Add(float64(inserted))
	c.itemsUpserted.WithLabelValues("update").Add(float64(updated))
}

// RecordRefreshSkipped は合流されたリフレッシュ要求を記録する。
func (c *Collector) RecordRefreshSkipped() {
	c.refreshSkipped.Inc()
}

// SetRefreshInFlight はフェッチ中のフィード数を設定する。
func (c *Collector) SetRefreshInFlight(n int) {
	c.refreshInFlight.Set(float64(n))
}

// RecordEventDropped は破棄されたイベントを記録する。
func (c *Collector) RecordEventDropped(eventType string) {
	c.eventsDropped.WithLabelValues(eventType).Inc()
}

// SetEventSubscribers は購読者数を設定する。
func (c *Collector) SetEventSubscribers(n int) {
	c.eventSubscribers.Set(float64(n))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// APIサーバーを起動しないworkerモードで使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
