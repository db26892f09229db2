// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 运行指标
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runsActive   prometheus.Gauge

	// 事件流指标
	queueDropped      *prometheus.CounterVec
	streamFrames      *prometheus.CounterVec
	streamTimeouts    prometheus.Counter
	streamConnections *prometheus.GaugeVec

	// 审批与回调指标
	approvalOutcomes *prometheus.CounterVec
	callbackAttempts *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 运行指标
	c.runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of analysis runs started",
		},
		[]string{"resumed"},
	)

	c.runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of analysis runs finished, by final state",
		},
		[]string{"state"},
	)

	c.runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Analysis run duration in seconds",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"state"},
	)

	c.runsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of analysis runs currently executing",
		},
	)

	// 事件流指标
	c.queueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_events_total",
			Help:      "Events dropped because a run queue was full",
		},
		[]string{"type"},
	)

	c.streamFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Frames written to streaming consumers",
		},
		[]string{"channel", "event"},
	)

	c.streamTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_timeouts_total",
			Help:      "Streams ended by a read timeout with a synthesized failure",
		},
	)

	c.streamConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connections",
			Help:      "Open streaming connections",
		},
		[]string{"channel"},
	)

	// 审批与回调指标
	c.approvalOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_waits_total",
			Help:      "Approval waits by outcome",
		},
		[]string{"outcome"},
	)

	c.callbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_attempts_total",
			Help:      "Terminal callback delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🏃 运行指标记录
// =============================================================================

// RecordRunStarted 记录运行开始
func (c *Collector) RecordRunStarted(resumed bool) {
	c.runsStarted.WithLabelValues(strconv.FormatBool(resumed)).Inc()
	c.runsActive.Inc()
}

// RecordRunFinished 记录运行结束
func (c *Collector) RecordRunFinished(state string, duration time.Duration) {
	c.runsFinished.WithLabelValues(state).Inc()
	c.runDuration.WithLabelValues(state).Observe(duration.Seconds())
	c.runsActive.Dec()
}

// =============================================================================
// 📡 事件流指标记录
// =============================================================================

// RecordQueueDrop 记录队列满导致的丢弃
func (c *Collector) RecordQueueDrop(eventType string) {
	c.queueDropped.WithLabelValues(eventType).Inc()
}

// RecordStreamFrame 记录写出的帧，channel 为 run 或 resource
func (c *Collector) RecordStreamFrame(channel, event string) {
	c.streamFrames.WithLabelValues(channel, event).Inc()
}

// RecordStreamTimeout 记录读取超时
func (c *Collector) RecordStreamTimeout() {
	c.streamTimeouts.Inc()
}

// StreamOpened 记录流连接建立，返回的函数在连接关闭时调用
func (c *Collector) StreamOpened(channel string) func() {
	g := c.streamConnections.WithLabelValues(channel)
	g.Inc()
	return g.Dec
}

// =============================================================================
// ✋ 审批与回调指标记录
// =============================================================================

// RecordApprovalOutcome 记录审批等待结果
func (c *Collector) RecordApprovalOutcome(outcome string) {
	c.approvalOutcomes.WithLabelValues(outcome).Inc()
}

// RecordCallbackAttempt 记录回调尝试
func (c *Collector) RecordCallbackAttempt(outcome string) {
	c.callbackAttempts.WithLabelValues(outcome).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
