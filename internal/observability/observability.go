// Package observability instruments model calls, code executions and the
// HTTP gateway with Prometheus metrics and OpenTelemetry spans, and adds
// readiness checks and a sliding-window anomaly detector.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/sandloop/internal/config"
	"github.com/jkaninda/sandloop/internal/llm"
	"github.com/jkaninda/sandloop/internal/sandbox"
)

// Observability groups the optional instrumentation of a process. Every
// field except Health is nil when its feature is off, and every method is
// safe on a nil receiver.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the enabled components. A nil config disables everything and
// returns nil.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	tracer, err := NewTracerSetup(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	obs := &Observability{
		Tracer: tracer,
		// Checks are registered by the serve command.
		Health: NewHealthChecker(logger),
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return obs, nil
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	_ = o.Tracer.Shutdown(ctx)
}

func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}

// instruments reports whether any wrapper sink is active.
func (o *Observability) instruments() bool {
	return o != nil && (o.Metrics != nil || o.Tracer != nil || o.Anomaly != nil)
}

// WrapProvider returns p instrumented, or p itself when nothing is enabled.
func (o *Observability) WrapProvider(p llm.Provider) llm.Provider {
	if !o.instruments() {
		return p
	}
	return NewInstrumentedProvider(p, o.Metrics, o.Tracer, o.Anomaly)
}

// WrapSandbox returns sb instrumented, or sb itself when nothing is enabled.
func (o *Observability) WrapSandbox(sb sandbox.Sandbox, sandboxType string) sandbox.Sandbox {
	if !o.instruments() {
		return sb
	}
	return NewInstrumentedSandbox(sb, sandboxType, o.Metrics, o.Tracer, o.Anomaly)
}
