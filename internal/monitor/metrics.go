package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects gateway metrics
type Metrics struct {
	// 摄取指标
	PointsIngested *prometheus.CounterVec
	PointsRejected *prometheus.CounterVec
	IngestLatency  *prometheus.HistogramVec

	// 分类指标
	Classifications *prometheus.CounterVec

	// 弹性指标
	DedupHits       prometheus.Counter
	DedupPassthru   prometheus.Gauge
	DLQEntries      *prometheus.CounterVec
	DLQDepth        prometheus.Gauge
	RetryAttempts   *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	BreakerRejected *prometheus.CounterVec

	// 预测总线指标
	BusPublished    prometheus.Counter
	BusThrottled    prometheus.Counter
	BusPublishFails prometheus.Counter

	// 传输层指标
	TransportInFlight *prometheus.GaugeVec
	TransportDropped  *prometheus.CounterVec

	// 状态机指标
	StateTransitions *prometheus.CounterVec
	SuspiciousZeros  prometheus.Counter
}

// NewMetrics creates and registers the gateway metric set on the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric set on the given registerer; tests
// pass their own registry so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	promauto := promauto.With(reg)
	return &Metrics{
		PointsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_points_ingested_total",
			Help: "Total data points accepted by the router",
		}, []string{"transport", "domain"}),

		PointsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_points_rejected_total",
			Help: "Total data points rejected before classification",
		}, []string{"transport", "reason"}),

		IngestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_ingest_latency_seconds",
			Help:    "Router processing latency per point",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport"}),

		Classifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_classifications_total",
			Help: "Classification outcomes by class and reason",
		}, []string{"class", "reason"}),

		DedupHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dedup_hits_total",
			Help: "Messages dropped as duplicates",
		}),

		DedupPassthru: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_dedup_passthrough",
			Help: "1 when the dedup store is unreachable and dedup is in passthrough mode",
		}),

		DLQEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dlq_entries_total",
			Help: "Entries written to the dead-letter queue",
		}, []string{"category"}),

		DLQDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_dlq_depth",
			Help: "Current dead-letter queue depth",
		}),

		RetryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_retry_attempts_total",
			Help: "Persistence retry attempts by backend",
		}, []string{"backend"}),

		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"name"}),

		BreakerRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_rejected_total",
			Help: "Calls rejected while a breaker was open",
		}, []string{"name"}),

		BusPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bus_published_total",
			Help: "Points published to the prediction bus",
		}),

		BusThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bus_throttled_total",
			Help: "Bus publishes dropped by the per-series throttle",
		}),

		BusPublishFails: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bus_publish_failures_total",
			Help: "Bus publish attempts that failed",
		}),

		TransportInFlight: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_transport_in_flight",
			Help: "In-flight messages per transport",
		}, []string{"transport"}),

		TransportDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_transport_dropped_total",
			Help: "Messages dropped by transport backpressure",
		}, []string{"transport"}),

		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_state_transitions_total",
			Help: "Operational state transitions",
		}, []string{"from", "to"}),

		SuspiciousZeros: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_suspicious_zeros_total",
			Help: "Exact-zero readings flagged as suspicious",
		}),
	}
}

// SetBreakerState records a breaker state change as a gauge value.
func (m *Metrics) SetBreakerState(name, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
