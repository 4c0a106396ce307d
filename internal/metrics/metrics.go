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
// 認証サービス、セッションミドルウェア、クリーンアップワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(outcome string)
	RecordSessionValidation(result string)
	RecordSessionsCleaned(count int64)
	RecordHTTPRequest(statusCode int, duration time.Duration)
	RecordSpotifyAPICall(statusCode int, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins             *prometheus.CounterVec
	sessionValidations *prometheus.CounterVec
	sessionsCleaned    prometheus.Counter
	httpStatus         *prometheus.CounterVec
	httpLatency        prometheus.Histogram
	spotifyCalls       *prometheus.CounterVec
	spotifyLatency     prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "festival_login_total",
			Help: "ログイン試行の結果別の合計数",
		}, []string{"outcome"}),
		sessionValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "festival_session_validation_total",
			Help: "リクエストごとのセッション検証結果の合計数",
		}, []string{"result"}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "festival_sessions_cleaned_total",
			Help: "クリーンアップで削除された期限切れセッションの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "festival_http_requests_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "festival_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		spotifyCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "festival_spotify_api_requests_total",
			Help: "Spotify Web APIへのリクエストのステータスコード別合計数",
		}, []string{"status_code"}),
		spotifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "festival_spotify_api_latency_seconds",
			Help:    "Spotify Web APIのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.logins,
		c.sessionValidations,
		c.sessionsCleaned,
		c.httpStatus,
		c.httpLatency,
		c.spotifyCalls,
		c.spotifyLatency,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// RecordSessionValidation はセッション検証結果を記録する。
func (c *Collector) RecordSessionValidation(result string) {
	c.sessionValidations.WithLabelValues(result).Inc()
}

// RecordSessionsCleaned は削除した期限切れセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int64) {
	if count > 0 {
		c.sessionsCleaned.Add(float64(count))
	}
}

// RecordHTTPRequest はHTTPレスポンスのステータスコードと処理時間を記録する。
func (c *Collector) RecordHTTPRequest(statusCode int, duration time.Duration) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	c.httpLatency.Observe(duration.Seconds())
}

// RecordSpotifyAPICall はSpotify Web APIの呼び出し結果を記録する。
// 通信エラーの場合はstatusCodeに0を渡す。
func (c *Collector) RecordSpotifyAPICall(statusCode int, duration time.Duration) {
	c.spotifyCalls.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	c.spotifyLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
