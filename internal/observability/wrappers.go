package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandloop/internal/llm"
	"github.com/jkaninda/sandloop/internal/sandbox"
)

var (
	_ llm.Provider    = (*InstrumentedProvider)(nil)
	_ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
)

// reporter bundles the optional sinks one wrapped call reports to.
type reporter struct {
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

func newReporter(metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) reporter {
	p := reporter{metrics: metrics, anomaly: anomaly}
	if ts != nil {
		p.tracer = ts.Tracer()
	}
	return p
}

// span starts a child span when tracing is on. end records err (if any) and
// the extra attributes, then closes the span; it is safe to call either way.
func (p reporter) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error, extra ...attribute.KeyValue)) {
	if p.tracer == nil {
		return ctx, func(error, ...attribute.KeyValue) {}
	}
	ctx, s := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error, extra ...attribute.KeyValue) {
		if err != nil {
			s.RecordError(err)
			s.SetStatus(codes.Error, err.Error())
		}
		s.SetAttributes(extra...)
		s.End()
	}
}

// outcome feeds the anomaly detector. Only infrastructure errors count as
// failures; a model refusal or failing user code is a normal result.
func (p reporter) outcome(operation string, err error) {
	if err != nil {
		p.anomaly.RecordError(operation)
	} else {
		p.anomaly.RecordSuccess(operation)
	}
}

// InstrumentedProvider reports every model call to metrics, traces and the
// anomaly detector.
type InstrumentedProvider struct {
	inner  llm.Provider
	report reporter
}

func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	return &InstrumentedProvider{inner: inner, report: newReporter(metrics, ts, anomaly)}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()
	ctx, end := p.report.span(ctx, "llm.send_message",
		attribute.String("llm.provider", provider),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		end(err)
		p.report.metrics.RecordModelCall(provider, "", true, 0, 0, elapsed)
	} else {
		end(nil,
			attribute.String("llm.model", resp.Model),
			attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		)
		p.report.metrics.RecordModelCall(provider, resp.Model, false, resp.Usage.InputTokens, resp.Usage.OutputTokens, elapsed)
	}
	p.report.outcome("llm_request", err)
	return resp, err
}

// InstrumentedSandbox reports every code execution.
type InstrumentedSandbox struct {
	inner       sandbox.Sandbox
	sandboxType string // "process" or "docker"
	report      reporter
}

func NewInstrumentedSandbox(inner sandbox.Sandbox, sandboxType string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	return &InstrumentedSandbox{inner: inner, sandboxType: sandboxType, report: newReporter(metrics, ts, anomaly)}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	ctx, end := s.report.span(ctx, "sandbox.execute",
		attribute.String("sandbox.type", s.sandboxType),
		attribute.Bool("sandbox.context_mounted", req.ContextPath != ""),
	)

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	status := executionStatus(result, err)

	if err != nil {
		end(err)
	} else {
		end(nil,
			attribute.Int("sandbox.exit_code", result.ExitCode),
			attribute.String("sandbox.status", status),
		)
	}
	s.report.metrics.RecordExecution(s.sandboxType, status, time.Since(start).Seconds())
	s.report.outcome("sandbox_"+s.sandboxType, err)
	return result, err
}

// executionStatus is the sandbox_executions_total status label.
func executionStatus(result *sandbox.ExecutionResult, err error) string {
	switch {
	case err != nil, result == nil:
		return "error"
	case result.OOMKilled:
		return "oom"
	case result.TimedOut:
		return "timeout"
	case result.ExitCode != 0:
		return "nonzero_exit"
	}
	return "success"
}
