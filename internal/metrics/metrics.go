// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期エンジンや送信サービスから利用する。
type MetricsCollector interface {
	RecordMailSyncSuccess()
	RecordMailSyncFailure(reason string)
	RecordMessagesUpserted(count int)
	RecordCalendarSyncSuccess()
	RecordCalendarSyncFailure(reason string)
	RecordEventsUpserted(count int)
	RecordSendSuccess()
	RecordSendFailure()
	RecordFollowUpDispatched()
	RecordFollowUpCancelled(reason string)
	RecordProviderLatency(operation string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	mailSyncSuccess     prometheus.Counter
	mailSyncFail        *prometheus.CounterVec
	messagesUpserted    prometheus.Counter
	calendarSyncSuccess prometheus.Counter
	calendarSyncFail    *prometheus.CounterVec
	eventsUpserted      prometheus.Counter
	sendSuccess         prometheus.Counter
	sendFail            prometheus.Counter
	followUpDispatched  prometheus.Counter
	followUpCancelled   *prometheus.CounterVec
	providerLatency     *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		mailSyncSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kizuna_mail_sync_success_total",
			Help: "メール同期成功の合計数",
		}),
		mailSyncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_mail_sync_fail_total",
			Help: "メール同期失敗の合計数",
		}, []string{"reason"}),
		messagesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kizuna_messages_upserted_total",
			Help: "アップサートされたメッセージの合計数",
		}),
		calendarSyncSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kizuna_calendar_sync_success_total",
			Help: "カレンダー同期成功の合計数",
		}),
		calendarSyncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_calendar_sync_fail_total",
			Help: "カレンダー同期失敗の合計数",
		}, []string{"reason"}),
		eventsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kizuna_events_upserted_total",
			Help: "アップサートされたカレンダーイベントの合計数",
		}),
		sendSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kizuna_send_success_total",
			Help: "メッセージ送信成功の合計数",
		}),
		sendFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kizuna_send_fail_total",
			Help: "メッセージ送信失敗の合計数",
		}),
		followUpDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kizuna_followup_dispatched_total",
			Help: "ディスパッチされたフォローアップの合計数",
		}),
		followUpCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_followup_cancelled_total",
			Help: "取り消されたフォローアップシーケンスの合計数",
		}, []string{"reason"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kizuna_provider_latency_seconds",
			Help:    "外部プロバイダーAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(
		c.mailSyncSuccess,
		c.mailSyncFail,
		c.messagesUpserted,
		c.calendarSyncSuccess,
		c.calendarSyncFail,
		c.eventsUpserted,
		c.sendSuccess,
		c.sendFail,
		c.followUpDispatched,
		c.followUpCancelled,
		c.providerLatency,
	)

	return c
}

// RecordMailSyncSuccess はメール同期成功を記録する。
func (c *Collector) RecordMailSyncSuccess() {
	c.mailSyncSuccess.Inc()
}

// RecordMailSyncFailure はメール同期失敗を記録する。
func (c *Collector) RecordMailSyncFailure(reason string) {
	c.mailSyncFail.WithLabelValues(reason).Inc()
}

// RecordMessagesUpserted はアップサートされたメッセージ数を記録する。
func (c *Collector) RecordMessagesUpserted(count int) {
	c.messagesUpserted.Add(float64(count))
}

// RecordCalendarSyncSuccess はカレンダー同期成功を記録する。
func (c *Collector) RecordCalendarSyncSuccess() {
	c.calendarSyncSuccess.Inc()
}

// RecordCalendarSyncFailure はカレンダー同期失敗を記録する。
func (c *Collector) RecordCalendarSyncFailure(reason string) {
	c.calendarSyncFail.WithLabelValues(reason).Inc()
}

// RecordEventsUpserted はアップサートされたイベント数を記録する。
func (c *Collector) RecordEventsUpserted(count int) {
	c.eventsUpserted.Add(float64(count))
}

// RecordSendSuccess はメッセージ送信成功を記録する。
func (c *Collector) RecordSendSuccess() {
	c.sendSuccess.Inc()
}

// RecordSendFailure はメッセージ送信失敗を記録する。
func (c *Collector) RecordSendFailure() {
	c.sendFail.Inc()
}

// RecordFollowUpDispatched はフォローアップのディスパッチを記録する。
func (c *Collector) RecordFollowUpDispatched() {
	c.followUpDispatched.Inc()
}

// RecordFollowUpCancelled はシーケンスの取り消しを理由別に記録する。
func (c *Collector) RecordFollowUpCancelled(reason string) {
	c.followUpCancelled.WithLabelValues(reason).Inc()
}

// RecordProviderLatency はプロバイダーAPI呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
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
