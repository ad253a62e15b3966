package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hitushen/mcwatch/internal/models"
)

// Metrics 汇总查询、扫描与监控的 Prometheus 指标。
// nil 的 *Metrics 可以安全调用所有记录方法。
type Metrics struct {
	// Query metrics
	Queries        *prometheus.CounterVec
	QueryLatency   *prometheus.HistogramVec
	QueriesRunning prometheus.Gauge
	CacheHits      prometheus.Counter

	// Scan metrics
	PortsProbed prometheus.Counter
	OpenPorts   *prometheus.CounterVec
	ScanSeconds prometheus.Histogram

	// Monitor metrics
	MonitorEvents *prometheus.CounterVec
	BrokerDropped prometheus.Counter
}

// New 在 reg 上注册全部指标，reg 为 nil 时使用一个私有注册表。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcwatch_queries_total",
			Help: "Status queries by protocol and result",
		}, []string{"protocol", "result"}),
		QueryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcwatch_query_latency_seconds",
			Help:    "Reported server latency of successful queries",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		}, []string{"protocol"}),
		QueriesRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcwatch_queries_in_flight",
			Help: "Queries currently in flight",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "mcwatch_query_cache_hits_total",
			Help: "Queries answered from the result cache",
		}),
		PortsProbed: f.NewCounter(prometheus.CounterOpts{
			Name: "mcwatch_scan_ports_probed_total",
			Help: "Ports probed by the scanner",
		}),
		OpenPorts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcwatch_scan_open_ports_total",
			Help: "Ports found answering a Minecraft status query",
		}, []string{"protocol"}),
		ScanSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcwatch_scan_duration_seconds",
			Help:    "Wall-clock duration of completed scans",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}),
		MonitorEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcwatch_monitor_events_total",
			Help: "Monitor events emitted by kind",
		}, []string{"kind"}),
		BrokerDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "mcwatch_broker_dropped_total",
			Help: "Events dropped for slow subscribers",
		}),
	}
}

// ObserveQuery 记录一次查询的结果。
func (m *Metrics) ObserveQuery(snap models.StatusSnapshot, err error) {
	if m == nil {
		return
	}
	proto := string(snap.Protocol)
	if proto == "" {
		proto = string(models.ProtocolUnknown)
	}
	result := "ok"
	if err != nil {
		result = models.KindOf(err).String()
	}
	m.Queries.WithLabelValues(proto, result).Inc()
	if err == nil && snap.HasLatency {
		m.QueryLatency.WithLabelValues(proto).Observe(snap.Latency.Seconds())
	}
}

// QueryStarted 增加在途查询数，返回的函数在查询结束时调用。
func (m *Metrics) QueryStarted() func() {
	if m == nil {
		return func() {}
	}
	m.QueriesRunning.Inc()
	return m.QueriesRunning.Dec
}

// CacheHit 记录一次缓存命中。
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// PortProbed 记录一个已探测的端口。
func (m *Metrics) PortProbed() {
	if m == nil {
		return
	}
	m.PortsProbed.Inc()
}

// OpenPort 记录一个发现的开放端口。
func (m *Metrics) OpenPort(p models.Protocol) {
	if m == nil {
		return
	}
	m.OpenPorts.WithLabelValues(string(p)).Inc()
}

// ScanFinished 记录一次扫描耗时。
func (m *Metrics) ScanFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.ScanSeconds.Observe(d.Seconds())
}

// Event 记录一个监控事件。
func (m *Metrics) Event(kind models.EventKind) {
	if m == nil {
		return
	}
	m.MonitorEvents.WithLabelValues(string(kind)).Inc()
}

// Dropped 记录一个因订阅者过慢而丢弃的事件。
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.BrokerDropped.Inc()
}
