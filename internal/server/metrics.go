package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process registry. It doubles as the orchestrator's
// operation recorder.
type Metrics struct {
	registry    *prometheus.Registry
	operations  *prometheus.CounterVec
	provisions  *prometheus.CounterVec
	submissions *prometheus.CounterVec
	replays     *prometheus.CounterVec
	requests    *prometheus.CounterVec
	dlqDepth    prometheus.Gauge
}

func NewMetrics() *Metrics {
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldlock_escrow_operations_total",
		Help: "Escrow operations by outcome",
	}, []string{"op", "result"})

	provisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldlock_amm_provisions_total",
		Help: "Liquidity provisioning attempts by outcome",
	}, []string{"result"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldlock_ledger_submissions_total",
		Help: "Ledger transaction submissions by kind and outcome",
	}, []string{"kind", "result"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldlock_idempotent_replays_total",
		Help: "Requests answered from the idempotency store",
	}, []string{"result"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldlock_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"method", "route", "code"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "yieldlock_dlq_depth",
		Help: "Number of items in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(operations, provisions, submissions, replays, requests, dlq)

	return &Metrics{
		registry:    r,
		operations:  operations,
		provisions:  provisions,
		submissions: submissions,
		replays:     replays,
		requests:    requests,
		dlqDepth:    dlq,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Operation(op, result string) {
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Provision(result string) {
	m.provisions.WithLabelValues(result).Inc()
}

func (m *Metrics) Submission(kind, result string) {
	m.submissions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Replay(result string) {
	m.replays.WithLabelValues(result).Inc()
}

func (m *Metrics) Request(method, route string, code int) {
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) SetDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
