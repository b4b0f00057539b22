package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentops/platform/pkg/saga"
)

// Metrics wraps Prometheus metrics for the saga service. It implements
// saga.Observer.
type Metrics struct {
	registry             *prometheus.Registry
	transactions         *prometheus.CounterVec
	transactionLatency   *prometheus.HistogramVec
	stepLatency          *prometheus.HistogramVec
	stepFailures         *prometheus.CounterVec
	compensationFailures *prometheus.CounterVec
	storeFailures        *prometheus.CounterVec
	requestsRejected     *prometheus.CounterVec
	stuckSagas           prometheus.Gauge
	sweeps               *prometheus.CounterVec
}

var _ saga.Observer = (*Metrics)(nil)

// New creates a metrics registry and registers saga metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	transactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_transactions_total",
		Help: "Total number of finished saga transactions by terminal status.",
	}, []string{"saga", "status"})

	transactionLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_transaction_duration_seconds",
		Help:    "Wall time of saga transactions including compensation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"saga"})

	stepLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_step_duration_seconds",
		Help:    "Latency of individual step executions and compensations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"saga", "step", "op"})

	stepFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_failures_total",
		Help: "Total number of failed step executions.",
	}, []string{"saga", "step"})

	compensationFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensation_failures_total",
		Help: "Total number of failed step compensations.",
	}, []string{"saga", "step"})

	storeFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_log_store_failures_total",
		Help: "Total number of saga log writes that failed.",
	}, []string{"op"})

	requestsRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_requests_rejected_total",
		Help: "Total number of requests rejected before a transaction started.",
	}, []string{"reason"})

	stuckSagas := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "saga_stuck_transactions",
		Help: "Non-terminal saga logs older than the stuck threshold at the last sweep.",
	})

	sweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_sweeps_total",
		Help: "Total number of stuck-saga sweeps by outcome.",
	}, []string{"outcome"})

	registry.MustRegister(transactions, transactionLatency, stepLatency, stepFailures,
		compensationFailures, storeFailures, requestsRejected, stuckSagas, sweeps)

	return &Metrics{
		registry:             registry,
		transactions:         transactions,
		transactionLatency:   transactionLatency,
		stepLatency:          stepLatency,
		stepFailures:         stepFailures,
		compensationFailures: compensationFailures,
		storeFailures:        storeFailures,
		requestsRejected:     requestsRejected,
		stuckSagas:           stuckSagas,
		sweeps:               sweeps,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StepFinished records one step execution or compensation.
func (m *Metrics) StepFinished(sagaName, step string, op saga.Op, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(sagaName, step, string(op)).Observe(d.Seconds())
	if err == nil {
		return
	}
	if op == saga.OpCompensate {
		m.compensationFailures.WithLabelValues(sagaName, step).Inc()
		return
	}
	m.stepFailures.WithLabelValues(sagaName, step).Inc()
}

// TransactionFinished records a terminal transaction.
func (m *Metrics) TransactionFinished(sagaName string, status saga.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(sagaName, string(status)).Inc()
	m.transactionLatency.WithLabelValues(sagaName).Observe(d.Seconds())
}

func (m *Metrics) StoreFailed(op string, _ error) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(op).Inc()
}

// IncRequestRejected counts a request refused by validation.
func (m *Metrics) IncRequestRejected(reason string) {
	if m == nil {
		return
	}
	m.requestsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetStuckSagas(count int) {
	if m == nil {
		return
	}
	m.stuckSagas.Set(float64(count))
}

// IncSweep counts one sweep run; outcome is "ok", "error" or "skipped".
func (m *Metrics) IncSweep(outcome string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(outcome).Inc()
}
