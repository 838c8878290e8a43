// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッションコントローラー、ゲート、リゾルバー、決済、ワーカーから利用する。
type MetricsCollector interface {
	RecordGateDecision(policy, action string)
	RecordResolverOutcome(outcome string)
	RecordResolution(outcome string)
	RecordWebhook(outcome string)
	RecordHTTPStatus(statusCode int)
	RecordCleanup(kind string, count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	gateDecisions    *prometheus.CounterVec
	resolverOutcomes *prometheus.CounterVec
	resolutions      *prometheus.CounterVec
	webhooks         *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	cleanupDeleted   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adminis_gate_decisions_total",
			Help: "ルートゲートの判定数",
		}, []string{"policy", "action"}),
		resolverOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adminis_resolver_outcomes_total",
			Help: "認証後の遷移先解決の結果別の数",
		}, []string{"outcome"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adminis_usuario_resolutions_total",
			Help: "セッションコントローラーのusuario解決の結果別の数",
		}, []string{"outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adminis_payment_webhooks_total",
			Help: "決済Webhookの処理結果別の数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adminis_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adminis_cleanup_rows_total",
			Help: "クリーンアップジョブが処理した行数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.gateDecisions,
		c.resolverOutcomes,
		c.resolutions,
		c.webhooks,
		c.httpStatus,
		c.cleanupDeleted,
	)

	return c
}

// RegisterActiveControllers は保持中のセッションコントローラー数をゲージとして登録する。
func RegisterActiveControllers(reg prometheus.Registerer, count func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "adminis_session_controllers",
		Help: "保持中のセッションコントローラー数",
	}, func() float64 {
		return float64(count())
	}))
}

// RecordGateDecision はゲートの判定を記録する。
func (c *Collector) RecordGateDecision(policy, action string) {
	c.gateDecisions.WithLabelValues(policy, action).Inc()
}

// RecordResolverOutcome は遷移先解決の結果を記録する。
func (c *Collector) RecordResolverOutcome(outcome string) {
	c.resolverOutcomes.WithLabelValues(outcome).Inc()
}

// RecordResolution はusuario解決の結果を記録する。
func (c *Collector) RecordResolution(outcome string) {
	c.resolutions.WithLabelValues(outcome).Inc()
}

// RecordWebhook はWebhookの処理結果を記録する。
func (c *Collector) RecordWebhook(outcome string) {
	c.webhooks.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCleanup はクリーンアップで処理した行数を記録する。
func (c *Collector) RecordCleanup(kind string, count int64) {
	c.cleanupDeleted.WithLabelValues(kind).Add(float64(count))
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
