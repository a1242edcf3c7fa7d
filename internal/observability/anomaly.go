package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/sandloop/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	// minSamples is the window population below which no finding is raised.
	minSamples = 5
)

// AnomalyDetector flags failure bursts (runs, model calls, sandbox executions)
// and per-model spend spikes over a sliding time window. Findings are logged
// as warnings, at most once per key and window; runs are never blocked.
type AnomalyDetector struct {
	cfg    config.AnomalyConfig
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	outcomes map[string]*window // 1 per failure, 0 per success
	spend    map[string]*window // USD per model call
	alerted  map[string]time.Time
}

// NewAnomalyDetector creates a detector. A nil config disables both checks.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	a := &AnomalyDetector{
		window:   defaultAnomalyWindow,
		logger:   logger,
		now:      time.Now,
		outcomes: make(map[string]*window),
		spend:    make(map[string]*window),
		alerted:  make(map[string]time.Time),
	}
	if cfg != nil {
		a.cfg = *cfg
		if cfg.WindowSeconds > 0 {
			a.window = time.Duration(cfg.WindowSeconds) * time.Second
		}
	}
	return a
}

// RecordError counts a failed operation and checks its failure rate.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	w := a.series(a.outcomes, operation)
	w.add(now, 1)
	if rate, ok := a.failureRate(w, now); ok {
		a.warn("failures:"+operation, now, "anomaly detected: high failure rate",
			slog.String("operation", operation),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", a.cfg.ErrorRateThreshold),
			slog.Int("samples", w.count(now)),
		)
	}
}

// RecordSuccess counts a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.series(a.outcomes, operation).add(now, 0)
}

// RecordBudgetSpend records the cost of one model call. A call costing more
// than BudgetSpikeMultiplier times the window average for the model is flagged.
// Zero-cost calls are ignored.
func (a *AnomalyDetector) RecordBudgetSpend(model string, costUSD float64) {
	if a == nil || costUSD <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	w := a.series(a.spend, model)
	if avg, ok := a.spendSpike(w, now, costUSD); ok {
		a.warn("spend:"+model, now, "anomaly detected: spend spike",
			slog.String("model", model),
			slog.Float64("cost_usd", costUSD),
			slog.Float64("window_avg_usd", avg),
			slog.Float64("multiplier", a.cfg.BudgetSpikeMultiplier),
		)
	}
	w.add(now, costUSD)
}

// failureRate reports the window failure rate when it exceeds the threshold.
func (a *AnomalyDetector) failureRate(w *window, now time.Time) (float64, bool) {
	if a.cfg.ErrorRateThreshold <= 0 {
		return 0, false
	}
	n := w.count(now)
	if n < minSamples {
		return 0, false
	}
	rate := w.sum(now) / float64(n)
	return rate, rate > a.cfg.ErrorRateThreshold
}

// spendSpike compares cost against the average of the calls already in w.
func (a *AnomalyDetector) spendSpike(w *window, now time.Time, cost float64) (float64, bool) {
	if a.cfg.BudgetSpikeMultiplier <= 0 {
		return 0, false
	}
	n := w.count(now)
	if n < minSamples {
		return 0, false
	}
	avg := w.sum(now) / float64(n)
	return avg, cost > avg*a.cfg.BudgetSpikeMultiplier
}

func (a *AnomalyDetector) warn(key string, now time.Time, msg string, attrs ...any) {
	if last, ok := a.alerted[key]; ok && now.Sub(last) < a.window {
		return
	}
	a.alerted[key] = now
	if a.logger != nil {
		a.logger.Warn(msg, attrs...)
	}
}

func (a *AnomalyDetector) series(m map[string]*window, key string) *window {
	w, ok := m[key]
	if !ok {
		w = &window{span: a.window}
		m[key] = w
	}
	return w
}

// window holds timestamped samples no older than span.
type window struct {
	span    time.Duration
	samples []sample
}

type sample struct {
	at    time.Time
	value float64
}

func (w *window) add(now time.Time, v float64) {
	w.expire(now)
	w.samples = append(w.samples, sample{at: now, value: v})
}

func (w *window) sum(now time.Time) float64 {
	w.expire(now)
	var total float64
	for _, s := range w.samples {
		total += s.value
	}
	return total
}

func (w *window) count(now time.Time) int {
	w.expire(now)
	return len(w.samples)
}

// expire drops samples older than span. Samples are appended in time order.
func (w *window) expire(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
}
