package security

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
)

// Rate is the price of a model in USD per million tokens.
type Rate struct {
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
}

// Cost returns the USD cost of the given token counts.
func (r Rate) Cost(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*r.InputPerMTok + float64(outputTokens)*r.OutputPerMTok) / 1_000_000
}

// DefaultRate applies to models that match no entry in the rate table.
var DefaultRate = Rate{InputPerMTok: 3, OutputPerMTok: 15}

// DefaultRates is keyed by model-name prefix; the longest matching prefix wins.
var DefaultRates = map[string]Rate{
	"claude-opus-4":     {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-sonnet-4":   {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-3-7-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-3-5-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku-4":    {InputPerMTok: 1, OutputPerMTok: 5},
	"claude-3-5-haiku":  {InputPerMTok: 0.8, OutputPerMTok: 4},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.6},
	"gpt-4o":            {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4.1-mini":      {InputPerMTok: 0.4, OutputPerMTok: 1.6},
	"gpt-4.1":           {InputPerMTok: 2, OutputPerMTok: 8},
	"o3-mini":           {InputPerMTok: 1.1, OutputPerMTok: 4.4},
	"gemini-2.5-pro":    {InputPerMTok: 1.25, OutputPerMTok: 10},
	"gemini-2.5-flash":  {InputPerMTok: 0.3, OutputPerMTok: 2.5},
	"gemini-2.0-flash":  {InputPerMTok: 0.1, OutputPerMTok: 0.4},
}

// ModelUsage is the per-model slice of the ledger.
type ModelUsage struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// BudgetSummary is a point-in-time copy of the ledger.
type BudgetSummary struct {
	Calls        int                   `json:"calls"`
	InputTokens  int                   `json:"input_tokens"`
	OutputTokens int                   `json:"output_tokens"`
	TotalTokens  int                   `json:"total_tokens"`
	CostUSD      float64               `json:"cost_usd"`
	LimitUSD     float64               `json:"limit_usd"` // 0 = unlimited
	RemainingUSD float64               `json:"remaining_usd"`
	Exceeded     bool                  `json:"exceeded"`
	Models       map[string]ModelUsage `json:"models,omitempty"`
}

// BudgetManager is a running token and cost ledger checked against a ceiling.
//
// A BudgetManager may be owned by a single run or shared by several;
// every method is atomic under one mutex, so concurrent increments from
// parallel runs never lose an update. Once the cumulative cost is above the
// ceiling every later RecordUsage and Check fails.
type BudgetManager struct {
	mu       sync.Mutex
	limitUSD float64
	rates    map[string]Rate
	logger   *slog.Logger

	calls        int
	inputTokens  int
	outputTokens int
	costUSD      float64
	models       map[string]*ModelUsage
}

// BudgetOption customizes a BudgetManager.
type BudgetOption func(*BudgetManager)

// WithRates merges rates into the default rate table.
func WithRates(rates map[string]Rate) BudgetOption {
	return func(b *BudgetManager) {
		for prefix, rate := range rates {
			b.rates[strings.ToLower(prefix)] = rate
		}
	}
}

// NewBudgetManager creates a ledger with the given ceiling. A limit of zero
// or less disables enforcement while still accounting usage.
func NewBudgetManager(limitUSD float64, logger *slog.Logger, opts ...BudgetOption) *BudgetManager {
	b := &BudgetManager{
		limitUSD: limitUSD,
		rates:    maps.Clone(DefaultRates),
		logger:   logger,
		models:   make(map[string]*ModelUsage),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RateFor resolves the rate for model by longest-prefix match.
func (b *BudgetManager) RateFor(model string) Rate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rateLocked(model)
}

func (b *BudgetManager) rateLocked(model string) Rate {
	model = strings.ToLower(model)
	best, bestLen := DefaultRate, -1
	for prefix, rate := range b.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = rate, len(prefix)
		}
	}
	return best
}

// RecordUsage adds one model call to the ledger and fails with
// ErrBudgetExceeded if the cumulative cost is now above the ceiling. The
// usage is recorded either way: tokens already spent are never forgotten.
func (b *BudgetManager) RecordUsage(ctx context.Context, model string, inputTokens, outputTokens int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cost := b.rateLocked(model).Cost(inputTokens, outputTokens)

	b.calls++
	b.inputTokens += inputTokens
	b.outputTokens += outputTokens
	b.costUSD += cost

	mu, ok := b.models[model]
	if !ok {
		mu = &ModelUsage{}
		b.models[model] = mu
	}
	mu.Calls++
	mu.InputTokens += inputTokens
	mu.OutputTokens += outputTokens
	mu.CostUSD += cost

	b.logger.DebugContext(ctx, "budget usage recorded",
		slog.String("model", model),
		slog.Int("input_tokens", inputTokens),
		slog.Int("output_tokens", outputTokens),
		slog.Float64("cost_usd", cost),
		slog.Float64("total_cost_usd", b.costUSD),
	)

	return b.checkLocked(ctx)
}

// Check fails if the ceiling has already been crossed. Callers use it
// before starting another model call.
func (b *BudgetManager) Check(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkLocked(ctx)
}

func (b *BudgetManager) checkLocked(ctx context.Context) error {
	if b.limitUSD <= 0 || b.costUSD <= b.limitUSD {
		return nil
	}
	b.logger.WarnContext(ctx, "budget exceeded",
		slog.Float64("spent_usd", b.costUSD),
		slog.Float64("limit_usd", b.limitUSD),
	)
	return fmt.Errorf("%w: spent $%.4f of $%.4f", ErrBudgetExceeded, b.costUSD, b.limitUSD)
}

// Remaining returns the unspent budget, or zero once exceeded.
// An unlimited ledger reports zero.
func (b *BudgetManager) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingLocked()
}

func (b *BudgetManager) remainingLocked() float64 {
	if b.limitUSD <= 0 {
		return 0
	}
	return max(0, b.limitUSD-b.costUSD)
}

// Exceeded reports whether the ceiling has been crossed.
func (b *BudgetManager) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limitUSD > 0 && b.costUSD > b.limitUSD
}

// Summary returns a copy of the ledger. It has no side effects.
func (b *BudgetManager) Summary() BudgetSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	models := make(map[string]ModelUsage, len(b.models))
	for name, mu := range b.models {
		models[name] = *mu
	}
	return BudgetSummary{
		Calls:        b.calls,
		InputTokens:  b.inputTokens,
		OutputTokens: b.outputTokens,
		TotalTokens:  b.inputTokens + b.outputTokens,
		CostUSD:      b.costUSD,
		LimitUSD:     b.limitUSD,
		RemainingUSD: b.remainingLocked(),
		Exceeded:     b.limitUSD > 0 && b.costUSD > b.limitUSD,
		Models:       models,
	}
}
