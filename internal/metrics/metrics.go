// Package metrics は通知パイプラインのPrometheusメトリクスを定義する。
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 結果ラベルの値。
const (
	ResultOK      = "ok"
	ResultIgnored = "ignored"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

var (
	// FanoutEventsTotal は処理した注文イベントの件数。
	FanoutEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_events_total",
			Help: "Total number of order events handled by the fan-out trigger",
		},
		[]string{"event", "result"},
	)

	// PushResultsTotal はトークンごとのプッシュ配信結果の件数。
	PushResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_results_total",
			Help: "Total number of per-token push delivery outcomes",
		},
		[]string{"outcome"},
	)

	// FanoutDuration はイベント1件の処理時間。
	FanoutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanout_event_duration_seconds",
			Help:    "Duration of order event handling",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	// FeedSubscriptionsActive は購読中のリアルタイムフィードの数。
	FeedSubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_subscriptions_active",
			Help: "Number of active realtime feed subscriptions",
		},
	)
)

var registerOnce sync.Once

// Register はすべてのメトリクスをデフォルトレジストリに登録する。複数回呼んでも1回だけ登録する。
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(FanoutEventsTotal)
		prometheus.MustRegister(PushResultsTotal)
		prometheus.MustRegister(FanoutDuration)
		prometheus.MustRegister(FeedSubscriptionsActive)
	})
}
