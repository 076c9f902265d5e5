package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 连接状态标签
var connectionStates = []string{"connecting", "open", "reconnecting", "closed", "errored"}

// Metrics 指标收集器，所有方法对 nil 接收者安全
type Metrics struct {
	registry *prometheus.Registry

	// 连接指标
	connectionState *prometheus.GaugeVec
	reconnectTotal  prometheus.Counter

	// 消息指标
	messagesTotal *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
	subscriptions prometheus.Gauge
	publishTotal  *prometheus.CounterVec

	// 订单指标
	statusTransitions *prometheus.CounterVec
	outcomesTotal     *prometheus.CounterVec
	pollFailures      prometheus.Counter
	qrExpiries        prometheus.Counter
	sessionOps        *prometheus.CounterVec

	// 外部接口指标
	restDuration *prometheus.HistogramVec

	// HTTP指标
	httpRequestTotal    *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics 创建新的指标收集器
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connection_state",
			Help:      "Current broker connection state (1 for the active state)",
		}, []string{"state"}),
		reconnectTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnect_total",
			Help:      "Total number of broker reconnect attempts",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound broker messages",
		}, []string{"family"}),
		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of inbound messages dropped",
		}, []string{"reason"}),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Number of active local subscriptions",
		}),
		publishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of published broker messages",
		}, []string{"family", "status"}),
		statusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_status_transitions_total",
			Help:      "Total number of applied order status changes",
		}, []string{"source", "status"}),
		outcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_outcomes_total",
			Help:      "Total number of terminal order outcomes",
		}, []string{"status", "kind"}),
		pollFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_poll_failures_total",
			Help:      "Total number of failed order polls",
		}),
		qrExpiries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_expired_total",
			Help:      "Total number of payment sessions that expired locally",
		}),
		sessionOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_session_ops_total",
			Help:      "Total number of payment session store operations",
		}, []string{"op"}),
		restDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rest_request_duration_seconds",
			Help:      "Duration of backend REST calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "status"}),
		httpRequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of local HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of local HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetConnectionState 记录当前连接状态
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

// IncReconnect 记录重连
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnectTotal.Inc()
}

// IncMessage 记录收到的消息
func (m *Metrics) IncMessage(family string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(family).Inc()
}

// IncDropped 记录被丢弃的消息
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(reason).Inc()
}

// SetSubscriptions 记录活跃订阅数
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

// IncPublish 记录发布结果
func (m *Metrics) IncPublish(family string, err error) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(family, resultLabel(err)).Inc()
}

// IncStatusTransition 记录订单状态变化
func (m *Metrics) IncStatusTransition(source, status string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(source, status).Inc()
}

// IncOutcome 记录订单终态
func (m *Metrics) IncOutcome(status, kind string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(status, kind).Inc()
}

// IncPollFailure 记录轮询失败
func (m *Metrics) IncPollFailure() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}

// IncPaymentExpired 记录二维码过期
func (m *Metrics) IncPaymentExpired() {
	if m == nil {
		return
	}
	m.qrExpiries.Inc()
}

// IncSessionOp 记录会话存储操作
func (m *Metrics) IncSessionOp(op string) {
	if m == nil {
		return
	}
	m.sessionOps.WithLabelValues(op).Inc()
}

// ObserveREST 记录外部接口耗时
func (m *Metrics) ObserveREST(endpoint string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.restDuration.WithLabelValues(endpoint, resultLabel(err)).Observe(time.Since(start).Seconds())
}

// ObserveHTTP 记录本地HTTP请求
func (m *Metrics) ObserveHTTP(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
