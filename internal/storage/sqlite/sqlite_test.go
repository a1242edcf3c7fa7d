package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandloop/internal/orchestrator"
	"github.com/jkaninda/sandloop/internal/security"
	"github.com/jkaninda/sandloop/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "data", "sandloop.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func sampleRun(query string, startedAt time.Time) *orchestrator.Result {
	return &orchestrator.Result{
		RunID:       uuid.New(),
		Query:       query,
		ContextPath: "/data/report.txt",
		FinalAnswer: "4",
		Success:     true,
		Iterations:  2,
		Steps: []orchestrator.Step{
			{Iteration: 1, Action: orchestrator.ActionLLMCall, Input: query, Output: "```python\nprint(2+2)\n```", Success: true, Timestamp: startedAt},
			{Iteration: 1, Action: orchestrator.ActionCodeExecution, Input: "print(2+2)", Output: "4\n", Success: true, Timestamp: startedAt},
			{Iteration: 2, Action: orchestrator.ActionLLMCall, Input: "Observation:\n4\n", Output: "FINAL(4)", Success: true, Timestamp: startedAt},
			{Iteration: 2, Action: orchestrator.ActionFinalAnswer, Input: "FINAL(4)", Output: "4", Success: true, Timestamp: startedAt},
		},
		Budget: security.BudgetSummary{
			Calls: 2, InputTokens: 150, OutputTokens: 40, TotalTokens: 190,
			CostUSD: 0.00105, LimitUSD: 1, RemainingUSD: 0.99895,
		},
		StartedAt: startedAt,
		Duration:  2300 * time.Millisecond,
	}
}

func TestStore_Driver(t *testing.T) {
	s := testStore(t)
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestRuns_SaveAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	run := sampleRun("What is 2+2?", time.Now().UTC().Truncate(time.Second))

	if err := s.Runs().SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := s.Runs().GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Query != run.Query || got.FinalAnswer != "4" || !got.Success || got.Iterations != 2 {
		t.Errorf("run = %+v", got)
	}
	if got.ContextPath != run.ContextPath {
		t.Errorf("ContextPath = %q", got.ContextPath)
	}
	if got.Duration != run.Duration {
		t.Errorf("Duration = %s, want %s", got.Duration, run.Duration)
	}
	if got.Budget.InputTokens != 150 || got.Budget.LimitUSD != 1 {
		t.Errorf("Budget = %+v", got.Budget)
	}
	if len(got.Steps) != len(run.Steps) {
		t.Fatalf("%d steps, want %d", len(got.Steps), len(run.Steps))
	}
	for i, step := range got.Steps {
		if step.Action != run.Steps[i].Action || step.Input != run.Steps[i].Input {
			t.Errorf("step %d = %+v, want %+v", i, step, run.Steps[i])
		}
	}
}

func TestRuns_SaveReplacesSteps(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	run := sampleRun("q", time.Now().UTC())

	if err := s.Runs().SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Steps = run.Steps[:1]
	run.Success = false
	run.ErrorKind = orchestrator.KindCanceled
	if err := s.Runs().SaveRun(ctx, run); err != nil {
		t.Fatalf("second SaveRun: %v", err)
	}

	got, err := s.Runs().GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Steps) != 1 || got.Success || got.ErrorKind != orchestrator.KindCanceled {
		t.Errorf("run after resave = %+v", got)
	}
}

func TestRuns_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Runs().GetRun(context.Background(), uuid.New())
	if !errors.Is(err, orchestrator.ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestRuns_ListAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := sampleRun("old", now.Add(-72*time.Hour))
	mid := sampleRun("mid", now.Add(-24*time.Hour))
	recent := sampleRun("recent", now.Add(-time.Minute))
	for _, r := range []*orchestrator.Result{old, recent, mid} {
		if err := s.Runs().SaveRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.Runs().ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(list) != 2 || list[0].Query != "recent" || list[1].Query != "mid" {
		t.Errorf("ListRuns = %+v, want recent then mid", list)
	}
	if list[0].CostUSD != 0.00105 {
		t.Errorf("CostUSD = %v", list[0].CostUSD)
	}

	n, err := s.Runs().DeleteRunsBefore(ctx, now.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("DeleteRunsBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := s.Runs().GetRun(ctx, old.RunID); !errors.Is(err, orchestrator.ErrRunNotFound) {
		t.Errorf("old run still present: %v", err)
	}

	var orphaned int64
	s.db.Table("run_steps").Where("run_id = ?", old.RunID).Count(&orphaned)
	if orphaned != 0 {
		t.Errorf("%d orphaned steps left", orphaned)
	}
}

func TestRetentionJob_WithSQLite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stale := sampleRun("stale", time.Now().UTC().Add(-40*24*time.Hour))
	if err := s.Runs().SaveRun(ctx, stale); err != nil {
		t.Fatal(err)
	}

	job, err := storage.NewRetentionJob(s.Runs(), 30*24*time.Hour, "@daily", logger)
	if err != nil {
		t.Fatal(err)
	}
	n, err := job.Prune(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
}

func TestOpen_RejectsUnknownJournalMode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := Open(Config{Path: filepath.Join(t.TempDir(), "x.db"), JournalMode: "bogus"}, logger)
	if err == nil {
		t.Fatal("expected error for unknown journal mode")
	}
}

func TestDataSource(t *testing.T) {
	got := dataSource("/var/lib/sandloop/runs.db", "wal")
	want := "/var/lib/sandloop/runs.db?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	if got != want {
		t.Errorf("dataSource = %q, want %q", got, want)
	}
}
