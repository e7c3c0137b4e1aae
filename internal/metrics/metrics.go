package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"SoundAsleep/internal/session"
	"SoundAsleep/internal/stream"
)

// Metrics 进程内的 Prometheus 指标
type Metrics struct {
	registry *prometheus.Registry

	ticksTotal      prometheus.Counter
	ticksSkipped    prometheus.Counter
	eventsAppended  prometheus.Counter
	inputsClamped   *prometheus.CounterVec
	acksScheduled   prometheus.Counter
	acksFired       prometheus.Counter
	ackLatency      prometheus.Histogram
	feedConnections prometheus.Gauge
	batteryPct      prometheus.Gauge
	latencyEstimate prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpErrorsTotal prometheus.Counter
}

var _ session.Observer = (*Metrics)(nil)

// New 创建指标并注册到独立的 registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soundasleep_sample_ticks_total",
			Help: "Total number of samples written to the buffer",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soundasleep_sample_ticks_skipped_total",
			Help: "Total number of ticks skipped because the generator produced a non-finite value",
		}),
		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soundasleep_events_appended_total",
			Help: "Total number of records appended to the event timeline",
		}),
		inputsClamped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soundasleep_inputs_clamped_total",
			Help: "Total number of out-of-range inputs clamped, by field",
		}, []string{"field"}),
		acksScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soundasleep_acks_scheduled_total",
			Help: "Total number of latency-gated acknowledgements scheduled",
		}),
		acksFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soundasleep_acks_fired_total",
			Help: "Total number of latency-gated acknowledgements fired",
		}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "soundasleep_ack_latency_seconds",
			Help:    "Time between scheduling and firing an acknowledgement",
			Buckets: []float64{0.05, 0.08, 0.1, 0.12, 0.15, 0.2, 0.3, 0.5},
		}),
		feedConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soundasleep_feed_connections",
			Help: "Number of connected renderer feed clients",
		}),
		batteryPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soundasleep_battery_percent",
			Help: "Simulated headband battery level",
		}),
		latencyEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soundasleep_latency_estimate_ms",
			Help: "Current audio latency estimate",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soundasleep_http_requests_total",
			Help: "Total number of HTTP requests, by method and status code",
		}, []string{"method", "code"}),
		httpErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soundasleep_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
	}

	m.registry.MustRegister(
		m.ticksTotal,
		m.ticksSkipped,
		m.eventsAppended,
		m.inputsClamped,
		m.acksScheduled,
		m.acksFired,
		m.ackLatency,
		m.feedConnections,
		m.batteryPct,
		m.latencyEstimate,
		m.httpRequests,
		m.httpErrorsTotal,
	)
	return m
}

// Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TickHook 统计缓冲区 tick，配合 stream.WithTickHook 使用
func (m *Metrics) TickHook(_ stream.Sample, err error) {
	if err != nil {
		m.ticksSkipped.Inc()
		return
	}
	m.ticksTotal.Inc()
}

// EventAppended 实现 session.Observer
func (m *Metrics) EventAppended(session.EventRecord) {
	m.eventsAppended.Inc()
}

// AckScheduled 实现 session.Observer
func (m *Metrics) AckScheduled() {
	m.acksScheduled.Inc()
}

// AckFired 实现 session.Observer
func (m *Metrics) AckFired(latency time.Duration) {
	m.acksFired.Inc()
	m.ackLatency.Observe(latency.Seconds())
}

// InputClamped 实现 session.Observer
func (m *Metrics) InputClamped(field string) {
	m.inputsClamped.WithLabelValues(field).Inc()
}

// SetFeedConnections 更新推送连接数
func (m *Metrics) SetFeedConnections(n int) {
	m.feedConnections.Set(float64(n))
}

// ObserveConfig 刷新由会话配置派生的指标
func (m *Metrics) ObserveConfig(cfg session.Config) {
	m.batteryPct.Set(float64(cfg.BatteryPct))
	m.latencyEstimate.Set(float64(cfg.LatencyEstimateMS))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware 按方法和状态码统计请求
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		if rec.status >= 400 {
			m.httpErrorsTotal.Inc()
		}
	})
}

// Handler 暴露 Prometheus 指标，每次抓取前先调用 updateGauges
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}
