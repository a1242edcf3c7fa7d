package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sandloop/internal/config"
	"github.com/jkaninda/sandloop/internal/llm"
	"github.com/jkaninda/sandloop/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_NilAccessors(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("expected nil components from nil Observability")
	}

	p := &mockProvider{name: "raw"}
	if got := obs.WrapProvider(p); got != llm.Provider(p) {
		t.Error("nil Observability should not wrap the provider")
	}
}

func TestObservability_WrapsWhenEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := obs.WrapProvider(&mockProvider{name: "p"}).(*InstrumentedProvider); !ok {
		t.Error("expected instrumented provider")
	}
	if _, ok := obs.WrapSandbox(&mockSandbox{}, "docker").(*InstrumentedSandbox); !ok {
		t.Error("expected instrumented sandbox")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil || m.Registry == nil {
		t.Fatal("expected collector with registry")
	}

	// CounterVecs only appear after first use.
	m.LLMRequestsTotal.WithLabelValues("test", "success").Inc()
	m.SandboxExecutionsTotal.WithLabelValues("docker", "success").Inc()
	m.RecordEgress([]string{"aws_access_key"}, false)
	m.RecordRun("success", 2, 1.5)
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"sandloop_llm_requests_total",
		"sandloop_sandbox_executions_total",
		"sandloop_egress_findings_total",
		"sandloop_run_total",
		"sandloop_run_iterations",
		"sandloop_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_Helpers(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordEgress([]string{"context", "context", "jwt"}, true)
	m.RecordSpend("claude-sonnet-4", 0.25)
	m.RecordSpend("claude-sonnet-4", 0)
	m.RecordRun("budget", 3, 10)

	if v := counterValue(t, m.Registry, "sandloop_egress_findings_total", prometheus.Labels{"kind": "context", "action": "blocked"}); v != 2 {
		t.Errorf("context findings = %v, want 2", v)
	}
	if v := counterValue(t, m.Registry, "sandloop_budget_spent_usd_total", prometheus.Labels{"model": "claude-sonnet-4"}); v != 0.25 {
		t.Errorf("spend = %v, want 0.25", v)
	}
	if v := counterValue(t, m.Registry, "sandloop_run_total", prometheus.Labels{"outcome": "budget"}); v != 1 {
		t.Errorf("runs = %v, want 1", v)
	}

	var nilMetrics *MetricsCollector
	nilMetrics.RecordRun("success", 1, 1)
	nilMetrics.RecordEgress([]string{"x"}, false)
	nilMetrics.RecordSpend("m", 1)
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); !status.OK() {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(discardLogger())
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("docker", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["store"].Status != "fail" || status.Checks["store"].Message != "connection refused" {
		t.Errorf("store check = %+v", status.Checks["store"])
	}
	if status.Checks["docker"].Status != "ok" {
		t.Errorf("docker check = %+v", status.Checks["docker"])
	}
}

func TestHealthChecker_ChecksRunInParallel(t *testing.T) {
	h := NewHealthChecker(nil)
	for _, name := range []string{"a", "b", "c"} {
		h.AddCheck(name, func(ctx context.Context) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		})
	}
	start := time.Now()
	status := h.CheckReady(context.Background())
	if !status.OK() {
		t.Fatalf("status = %q", status.Status)
	}
	if elapsed := time.Since(start); elapsed > 550*time.Millisecond {
		t.Errorf("checks took %v, expected them to overlap", elapsed)
	}
}

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); !status.OK() || len(status.Checks) != 0 {
		t.Errorf("empty checker = %+v, want ok", status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	a.RecordBudgetSpend("model", 10.0)
}

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func TestAnomalyDetector_FailureRate(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, bufferLogger(&buf))
	a.now = func() time.Time { return now }

	for range 4 {
		a.RecordSuccess("run")
	}
	a.RecordError("run")
	if buf.Len() != 0 {
		t.Fatalf("unexpected warning at 1/5 failures: %s", buf.String())
	}
	for range 5 {
		a.RecordError("run")
	}
	if got := strings.Count(buf.String(), "high failure rate"); got != 1 {
		t.Errorf("warnings = %d, want 1 per window", got)
	}

	// A new window forgets the old samples.
	now = now.Add(2 * time.Minute)
	buf.Reset()
	a.RecordError("run")
	if buf.Len() != 0 {
		t.Errorf("single failure in a fresh window flagged: %s", buf.String())
	}
	a.mu.Lock()
	n := a.outcomes["run"].count(now)
	a.mu.Unlock()
	if n != 1 {
		t.Errorf("samples = %d, want 1 after expiry", n)
	}
}

func TestAnomalyDetector_SpendSpike(t *testing.T) {
	var buf bytes.Buffer
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:               true,
		BudgetSpikeMultiplier: 3,
	}, bufferLogger(&buf))

	for range 5 {
		a.RecordBudgetSpend("gpt-4o", 0.01)
	}
	a.RecordBudgetSpend("gpt-4o", 0.02)
	if buf.Len() != 0 {
		t.Fatalf("2x average flagged: %s", buf.String())
	}
	a.RecordBudgetSpend("gpt-4o", 0.5)
	a.RecordBudgetSpend("gpt-4o", 0)
	if !strings.Contains(buf.String(), "spend spike") {
		t.Error("expected spend spike warning")
	}

	a.mu.Lock()
	now := a.now()
	n := a.spend["gpt-4o"].count(now)
	total := a.spend["gpt-4o"].sum(now)
	a.mu.Unlock()
	if n != 7 {
		t.Errorf("samples = %d, want 7 (zero spend ignored)", n)
	}
	if total < 0.569 || total > 0.571 {
		t.Errorf("total = %v, want 0.57", total)
	}
}

func TestAnomalyDetector_DisabledChecks(t *testing.T) {
	var buf bytes.Buffer
	a := NewAnomalyDetector(nil, bufferLogger(&buf))
	for range 10 {
		a.RecordError("sandbox_docker")
		a.RecordBudgetSpend("m", 1)
	}
	a.RecordBudgetSpend("m", 100)
	if buf.Len() != 0 {
		t.Errorf("nil config should not flag anything: %s", buf.String())
	}
}

// --- InstrumentedProvider ---

type mockProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.called++
	return m.resp, m.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{
		name: "test",
		resp: &llm.Response{
			Content: "hello",
			Model:   "m-1",
			Usage:   llm.Usage{InputTokens: 10, OutputTokens: 20},
		},
	}

	p := NewInstrumentedProvider(inner, metrics, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" || inner.called != 1 {
		t.Errorf("content = %q, calls = %d", resp.Content, inner.called)
	}

	if v := counterValue(t, metrics.Registry, "sandloop_llm_requests_total", prometheus.Labels{"provider": "test", "status": "success"}); v != 1 {
		t.Errorf("requests_total = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "sandloop_llm_tokens_used_total", prometheus.Labels{"model": "m-1", "direction": "output"}); v != 20 {
		t.Errorf("output tokens = %v, want 20", v)
	}
}

func TestInstrumentedProvider_Error(t *testing.T) {
	metrics := NewMetricsCollector()
	p := NewInstrumentedProvider(&mockProvider{name: "test", err: errors.New("api error")}, metrics, nil, nil)
	if _, err := p.SendMessage(context.Background(), &llm.Request{}); err == nil {
		t.Fatal("expected error")
	}
	if v := counterValue(t, metrics.Registry, "sandloop_llm_requests_total", prometheus.Labels{"provider": "test", "status": "error"}); v != 1 {
		t.Errorf("error requests_total = %v, want 1", v)
	}
}

func TestInstrumentedProvider_NilMetrics(t *testing.T) {
	p := NewInstrumentedProvider(&mockProvider{name: "test", resp: &llm.Response{Content: "ok"}}, nil, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
}

// --- InstrumentedSandbox ---

type mockSandbox struct {
	result *sandbox.ExecutionResult
	err    error
}

func (m *mockSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	return m.result, m.err
}

func TestInstrumentedSandbox_Status(t *testing.T) {
	tests := []struct {
		name   string
		result *sandbox.ExecutionResult
		err    error
		want   string
	}{
		{"success", &sandbox.ExecutionResult{Duration: 100 * time.Millisecond}, nil, "success"},
		{"nonzero", &sandbox.ExecutionResult{ExitCode: 1}, nil, "nonzero_exit"},
		{"timeout", &sandbox.ExecutionResult{ExitCode: sandbox.TimeoutExitCode, TimedOut: true}, nil, "timeout"},
		{"oom", &sandbox.ExecutionResult{ExitCode: 137, OOMKilled: true}, nil, "oom"},
		{"error", nil, sandbox.ErrDaemonUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			s := NewInstrumentedSandbox(&mockSandbox{result: tt.result, err: tt.err}, "docker", metrics, nil, nil)
			_, _ = s.Execute(context.Background(), sandbox.ExecutionRequest{Code: "print(1)"})

			if v := counterValue(t, metrics.Registry, "sandloop_sandbox_executions_total", prometheus.Labels{"type": "docker", "status": tt.want}); v != 1 {
				t.Errorf("executions{status=%s} = %v, want 1", tt.want, v)
			}
		})
	}
}

// --- HTTP Middleware ---

func TestMetricPath(t *testing.T) {
	tests := map[string]string{
		"/v1/runs": "/v1/runs",
		"/v1/runs/7f0c8d52-4b7e-4c1a-9d55-0b0c1a2f3e4d": "/v1/runs/:id",
		"/healthz": "/healthz",
	}
	for in, want := range tests {
		if got := metricPath(in); got != want {
			t.Errorf("metricPath(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// --- Tracing ---

func TestNewTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Fatalf("NewTracerSetup(disabled) = %v, %v; want nil, nil", ts, err)
	}
	if ts.Tracer() == nil {
		t.Error("nil setup should still hand out a tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil setup: %v", err)
	}
}

func TestRunSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{2.5, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := runSampler(tt.rate).Description()
		if !strings.Contains(desc, tt.want) {
			t.Errorf("runSampler(%v) = %q, want root %q", tt.rate, desc, tt.want)
		}
		if !strings.HasPrefix(desc, "ParentBased") {
			t.Errorf("runSampler(%v) = %q, want parent-based", tt.rate, desc)
		}
	}
}

func TestMetricsCollector_CallRecorders(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordModelCall("anthropic", "claude-sonnet-4", false, 100, 30, 0.8)
	m.RecordModelCall("anthropic", "", true, 0, 0, 0.1)
	m.RecordExecution("process", "timeout", 5)
	m.RecordHTTP("POST", "/v1/runs", 429, 0.001)

	if v := counterValue(t, m.Registry, "sandloop_llm_tokens_used_total", prometheus.Labels{"model": "claude-sonnet-4", "direction": "input"}); v != 100 {
		t.Errorf("input tokens = %v, want 100", v)
	}
	if v := counterValue(t, m.Registry, "sandloop_llm_requests_total", prometheus.Labels{"status": "error"}); v != 1 {
		t.Errorf("failed calls = %v, want 1", v)
	}
	if v := counterValue(t, m.Registry, "sandloop_sandbox_executions_total", prometheus.Labels{"type": "process", "status": "timeout"}); v != 1 {
		t.Errorf("timeouts = %v, want 1", v)
	}
	if v := counterValue(t, m.Registry, "sandloop_http_requests_total", prometheus.Labels{"status_code": "429"}); v != 1 {
		t.Errorf("429s = %v, want 1", v)
	}

	var nilMetrics *MetricsCollector
	nilMetrics.RecordModelCall("p", "m", false, 1, 1, 1)
	nilMetrics.RecordExecution("docker", "success", 1)
	nilMetrics.RecordHTTP("GET", "/", 200, 1)
}
