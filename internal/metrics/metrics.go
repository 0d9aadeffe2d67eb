package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 服务指标，nil 接收者上的方法均为空操作
type Metrics struct {
	BackendWrites       *prometheus.CounterVec
	ActiveSubscriptions *prometheus.GaugeVec
	ActiveSessions      prometheus.Gauge
	TypingActive        prometheus.Gauge
	FriendshipsRepaired prometheus.Counter
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

var (
	defaultOnce     sync.Once
	defaultInstance *Metrics
)

// Default 注册到默认 Registry 的单例
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultInstance = New(prometheus.DefaultRegisterer)
	})
	return defaultInstance
}

// New 在指定 Registry 上创建指标
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BackendWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "im_realtime_backend_writes_total",
			Help: "Backend writes issued by realtime components",
		}, []string{"component", "result"}),
		ActiveSubscriptions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "im_realtime_active_subscriptions",
			Help: "Live backend subscriptions currently held",
		}, []string{"kind"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "im_realtime_active_sessions",
			Help: "Connected live sessions",
		}),
		TypingActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "im_realtime_typing_active",
			Help: "Conversations with a local typing signal pending auto-stop",
		}),
		FriendshipsRepaired: factory.NewCounter(prometheus.CounterOpts{
			Name: "im_realtime_friendships_repaired_total",
			Help: "Accepted friend requests whose friendship or conversation was repaired",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "im_realtime_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "im_realtime_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// WriteResult 记录一次后端写入结果
func (m *Metrics) WriteResult(component string, err error) {
	if m == nil || m.BackendWrites == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BackendWrites.WithLabelValues(component, result).Inc()
}

func (m *Metrics) SubscriptionOpened(kind string) {
	if m == nil || m.ActiveSubscriptions == nil {
		return
	}
	m.ActiveSubscriptions.WithLabelValues(kind).Inc()
}

func (m *Metrics) SubscriptionClosed(kind string) {
	if m == nil || m.ActiveSubscriptions == nil {
		return
	}
	m.ActiveSubscriptions.WithLabelValues(kind).Dec()
}

func (m *Metrics) SessionOpened() {
	if m == nil || m.ActiveSessions == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil || m.ActiveSessions == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) TypingStarted() {
	if m == nil || m.TypingActive == nil {
		return
	}
	m.TypingActive.Inc()
}

func (m *Metrics) TypingStopped() {
	if m == nil || m.TypingActive == nil {
		return
	}
	m.TypingActive.Dec()
}

func (m *Metrics) FriendshipRepaired() {
	if m == nil || m.FriendshipsRepaired == nil {
		return
	}
	m.FriendshipsRepaired.Inc()
}

// ObserveHTTP 记录一次 HTTP 请求
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil || m.HTTPRequests == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
