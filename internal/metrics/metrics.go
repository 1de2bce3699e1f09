// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// オーケストレーターやハンドラーから利用する。
type MetricsCollector interface {
	RecordDelivery(source, decision string)
	RecordExchange(outcome string, duration time.Duration)
	RecordCredentialUpdate(outcome string)
	RecordEmailRequest(kind, outcome string)
	SetMountedScreens(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	deliveries       *prometheus.CounterVec
	exchanges        *prometheus.CounterVec
	exchangeLatency  prometheus.Histogram
	credentialUpdate *prometheus.CounterVec
	emailRequests    *prometheus.CounterVec
	mountedScreens   prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkconfirm_link_deliveries_total",
			Help: "配信元・受理判定別のリンク配信数",
		}, []string{"source", "decision"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkconfirm_session_exchanges_total",
			Help: "結果別のセッション交換数",
		}, []string{"outcome"}),
		exchangeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkconfirm_session_exchange_seconds",
			Help:    "セッション交換が決着するまでの時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		credentialUpdate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkconfirm_credential_updates_total",
			Help: "結果別のパスワード更新数",
		}, []string{"outcome"}),
		emailRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkconfirm_email_requests_total",
			Help: "種別・結果別のリンク再送信要求数",
		}, []string{"kind", "outcome"}),
		mountedScreens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linkconfirm_mounted_screens",
			Help: "現在マウントされている確認画面の数",
		}),
	}

	reg.MustRegister(
		c.deliveries,
		c.exchanges,
		c.exchangeLatency,
		c.credentialUpdate,
		c.emailRequests,
		c.mountedScreens,
	)

	return c
}

// RecordDelivery はリンク配信とその受理判定を記録する。
func (c *Collector) RecordDelivery(source, decision string) {
	c.deliveries.WithLabelValues(source, decision).Inc()
}

// RecordExchange はセッション交換の結果と所要時間を記録する。
func (c *Collector) RecordExchange(outcome string, duration time.Duration) {
	c.exchanges.WithLabelValues(outcome).Inc()
	c.exchangeLatency.Observe(duration.Seconds())
}

// RecordCredentialUpdate はパスワード更新の結果を記録する。
func (c *Collector) RecordCredentialUpdate(outcome string) {
	c.credentialUpdate.WithLabelValues(outcome).Inc()
}

// RecordEmailRequest はリセットメール・確認メールの送信要求を記録する。
func (c *Collector) RecordEmailRequest(kind, outcome string) {
	c.emailRequests.WithLabelValues(kind, outcome).Inc()
}

// SetMountedScreens はマウント中の画面数を設定する。
func (c *Collector) SetMountedScreens(count int) {
	c.mountedScreens.Set(float64(count))
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type NopCollector struct{}

func (NopCollector) RecordDelivery(string, string) {}
func (NopCollector) RecordExchange(string, time.Duration) {}
func (NopCollector) RecordCredentialUpdate(string) {}
func (NopCollector) RecordEmailRequest(string, string) {}
func (NopCollector) SetMountedScreens(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
