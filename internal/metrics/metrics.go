package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Решения Capability Runtime по коду причины
	CapabilityDecisions *prometheus.CounterVec

	// Latency: сколько заняло исполнение capability (включая коннекторы)
	CapabilityDuration *prometheus.HistogramVec

	// Вызовы коннекторов с классификацией ошибок
	ConnectorCalls *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - закрыт, 0.5 - half-open, 1 - открыт)
	CircuitBreakerState *prometheus.GaugeVec

	// Шина событий
	BusPublished *prometheus.CounterVec
	BusConsumed  *prometheus.CounterVec

	// Джобы
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// HTTP: трафик и latency по шаблону маршрута
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		CapabilityDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "opsbrain_capability_decisions_total",
			Help: "Capability execution decisions by reason code.",
		}, []string{"capability_id", "reason_code"}),

		CapabilityDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsbrain_capability_duration_seconds",
			Help:    "Histogram of capability execution latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"capability_id", "status"}),

		ConnectorCalls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "opsbrain_connector_calls_total",
			Help: "Connector calls by operation and result code.",
		}, []string{"connector", "op", "code"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "opsbrain_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"key"}),

		BusPublished: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "opsbrain_bus_published_total",
			Help: "Events published to the bus by type and result.",
		}, []string{"type", "result"}),

		BusConsumed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "opsbrain_bus_consumed_total",
			Help: "Records consumed from the bus by outcome.",
		}, []string{"outcome"}), // ok, handler_error, invalid

		JobRuns: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "opsbrain_job_runs_total",
			Help: "Job runs by outcome.",
		}, []string{"job", "outcome"}), // succeeded, failed, skipped

		JobDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsbrain_job_duration_seconds",
			Help:    "Histogram of job run durations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),

		HTTPRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "opsbrain_http_requests_total",
			Help: "Total number of processed HTTP requests.",
		}, []string{"route", "method", "status"}),

		HTTPDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsbrain_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "opsbrain_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
