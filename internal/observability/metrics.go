package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sandloop"

var (
	callBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
	runBuckets  = []float64{1, 5, 10, 30, 60, 120, 300, 600}
)

// MetricsCollector owns every sandloop series on a private registry, served
// by the HTTP gateway. All Record methods are no-ops on a nil collector.
type MetricsCollector struct {
	Registry *prometheus.Registry

	LLMRequestsTotal   *prometheus.CounterVec   // provider, status
	LLMRequestDuration *prometheus.HistogramVec // provider
	LLMTokensUsed      *prometheus.CounterVec   // provider, model, direction

	SandboxExecutionsTotal   *prometheus.CounterVec   // type, status
	SandboxExecutionDuration *prometheus.HistogramVec // type

	EgressFindingsTotal *prometheus.CounterVec // kind, action
	BudgetSpentTotal    *prometheus.CounterVec // model

	RunsTotal     *prometheus.CounterVec // outcome
	RunIterations prometheus.Histogram
	RunDuration   prometheus.Histogram
	ActiveRuns    prometheus.Gauge

	ActiveRequests      prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec   // method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec // method, path
}

// metricSet registers collectors on one registry as they are built.
type metricSet struct{ reg *prometheus.Registry }

func (s metricSet) counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	s.reg.MustRegister(c)
	return c
}

func (s metricSet) histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
	s.reg.MustRegister(h)
	return h
}

func (s metricSet) runHistogram(name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "run", Name: name, Help: help, Buckets: buckets,
	})
	s.reg.MustRegister(h)
	return h
}

func (s metricSet) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	s.reg.MustRegister(g)
	return g
}

// NewMetricsCollector builds the collector on a fresh registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()
	s := metricSet{reg}

	return &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal:   s.counter("llm", "requests_total", "Model API calls by result.", "provider", "status"),
		LLMRequestDuration: s.histogram("llm", "request_duration_seconds", "Model API call latency.", callBuckets, "provider"),
		LLMTokensUsed:      s.counter("llm", "tokens_used_total", "Tokens billed by model and direction.", "provider", "model", "direction"),

		SandboxExecutionsTotal:   s.counter("sandbox", "executions_total", "Code executions by outcome.", "type", "status"),
		SandboxExecutionDuration: s.histogram("sandbox", "execution_duration_seconds", "Code execution wall time.", callBuckets, "type"),

		EgressFindingsTotal: s.counter("egress", "findings_total", "Suspected leaks found in sandbox output.", "kind", "action"),
		BudgetSpentTotal:    s.counter("budget", "spent_usd_total", "Model spend in USD.", "model"),

		RunsTotal:     s.counter("run", "total", "Finished runs by outcome.", "outcome"),
		RunIterations: s.runHistogram("iterations", "Loop iterations per run.", []float64{1, 2, 3, 5, 8, 13, 21}),
		RunDuration:   s.runHistogram("duration_seconds", "Run wall time.", runBuckets),
		ActiveRuns:    s.gauge("active_runs", "Runs in progress."),

		ActiveRequests:      s.gauge("active_requests", "HTTP requests in progress."),
		HTTPRequestsTotal:   s.counter("http", "requests_total", "HTTP requests by route and status.", "method", "path", "status_code"),
		HTTPRequestDuration: s.histogram("http", "request_duration_seconds", "HTTP request latency.", prometheus.DefBuckets, "method", "path"),
	}
}

// RecordRun observes a finished run. outcome is "success" or the error kind.
func (m *MetricsCollector) RecordRun(outcome string, iterations int, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunIterations.Observe(float64(iterations))
	m.RunDuration.Observe(seconds)
}

// RecordEgress counts the findings of one filter pass.
func (m *MetricsCollector) RecordEgress(kinds []string, blocked bool) {
	if m == nil {
		return
	}
	action := "redacted"
	if blocked {
		action = "blocked"
	}
	for _, k := range kinds {
		m.EgressFindingsTotal.WithLabelValues(k, action).Inc()
	}
}

func (m *MetricsCollector) RecordSpend(model string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.BudgetSpentTotal.WithLabelValues(model).Add(usd)
}

// RecordModelCall observes one provider call. model is empty on failure.
func (m *MetricsCollector) RecordModelCall(provider, model string, failed bool, inputTokens, outputTokens int, seconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider).Observe(seconds)
	if !failed {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

func (m *MetricsCollector) RecordExecution(sandboxType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.SandboxExecutionsTotal.WithLabelValues(sandboxType, status).Inc()
	m.SandboxExecutionDuration.WithLabelValues(sandboxType).Observe(seconds)
}

func (m *MetricsCollector) RecordHTTP(method, path string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
