package security

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRateFor_LongestPrefix(t *testing.T) {
	b := NewBudgetManager(1, discardLogger())

	if r := b.RateFor("gpt-4o-mini-2024-07-18"); r != DefaultRates["gpt-4o-mini"] {
		t.Errorf("gpt-4o-mini rate = %+v", r)
	}
	if r := b.RateFor("gpt-4o-2024-08-06"); r != DefaultRates["gpt-4o"] {
		t.Errorf("gpt-4o rate = %+v", r)
	}
	if r := b.RateFor("Claude-Sonnet-4-20250514"); r != DefaultRates["claude-sonnet-4"] {
		t.Errorf("case-insensitive match failed: %+v", r)
	}
	if r := b.RateFor("some-local-model"); r != DefaultRate {
		t.Errorf("unknown model rate = %+v, want default", r)
	}
}

func TestWithRates_Override(t *testing.T) {
	b := NewBudgetManager(1, discardLogger(), WithRates(map[string]Rate{
		"Local-": {InputPerMTok: 0, OutputPerMTok: 0},
	}))
	if r := b.RateFor("local-llama"); r.InputPerMTok != 0 || r.OutputPerMTok != 0 {
		t.Errorf("override not applied: %+v", r)
	}
	if DefaultRates["local-"] != (Rate{}) {
		t.Error("override leaked into DefaultRates")
	}
}

func TestRecordUsage_Accumulates(t *testing.T) {
	b := NewBudgetManager(10, discardLogger())
	ctx := context.Background()

	if err := b.RecordUsage(ctx, "claude-sonnet-4", 1_000_000, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.RecordUsage(ctx, "claude-sonnet-4", 0, 100_000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := b.Summary()
	if s.Calls != 2 || s.InputTokens != 1_000_000 || s.OutputTokens != 100_000 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if s.TotalTokens != 1_100_000 {
		t.Errorf("total tokens = %d", s.TotalTokens)
	}
	if !approx(s.CostUSD, 4.5) {
		t.Errorf("cost = %v, want 4.5", s.CostUSD)
	}
	if !approx(s.RemainingUSD, 5.5) {
		t.Errorf("remaining = %v, want 5.5", s.RemainingUSD)
	}
	if s.Models["claude-sonnet-4"].Calls != 2 {
		t.Errorf("per-model calls = %d", s.Models["claude-sonnet-4"].Calls)
	}
}

func TestRecordUsage_ExceedsCeiling(t *testing.T) {
	b := NewBudgetManager(0.01, discardLogger())
	ctx := context.Background()

	// 1000 in + 500 out at 3/15 = 0.003 + 0.0075 = 0.0105
	err := b.RecordUsage(ctx, "claude-sonnet-4", 1000, 500)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if !b.Exceeded() {
		t.Error("Exceeded() should be true")
	}
	if err := b.Check(ctx); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("Check after exceed: %v", err)
	}
	// Every later call keeps failing, even a free one.
	if err := b.RecordUsage(ctx, "claude-sonnet-4", 0, 0); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("subsequent RecordUsage: %v", err)
	}
	if b.Remaining() != 0 {
		t.Errorf("remaining = %v, want 0", b.Remaining())
	}
	if s := b.Summary(); s.Calls != 2 || !s.Exceeded {
		t.Errorf("usage must still be recorded: %+v", s)
	}
}

func TestRecordUsage_Unlimited(t *testing.T) {
	b := NewBudgetManager(0, discardLogger())
	if err := b.RecordUsage(context.Background(), "claude-opus-4", 10_000_000, 10_000_000); err != nil {
		t.Fatalf("unlimited ledger should never fail: %v", err)
	}
	if b.Exceeded() {
		t.Error("unlimited ledger reported exceeded")
	}
}

func TestSummary_IsCopy(t *testing.T) {
	b := NewBudgetManager(1, discardLogger())
	_ = b.RecordUsage(context.Background(), "gpt-4o", 10, 10)

	s := b.Summary()
	s.Models["gpt-4o"] = ModelUsage{Calls: 99}
	if b.Summary().Models["gpt-4o"].Calls != 1 {
		t.Error("mutating a summary changed the ledger")
	}
}

func TestRecordUsage_ConcurrentShared(t *testing.T) {
	b := NewBudgetManager(0, discardLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = b.RecordUsage(ctx, "gpt-4o-mini", 10, 5)
			}
		}()
	}
	wg.Wait()

	s := b.Summary()
	if s.Calls != 1000 || s.InputTokens != 10_000 || s.OutputTokens != 5_000 {
		t.Errorf("lost updates: %+v", s)
	}
}
