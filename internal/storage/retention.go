package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/sandloop/internal/orchestrator"
)

// RetentionJob periodically deletes runs older than a maximum age.
type RetentionJob struct {
	runs     orchestrator.RunStore
	maxAge   time.Duration
	schedule string
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetentionJob validates schedule and returns a job. Schedules use the
// standard five-field cron syntax or a descriptor such as "@daily".
func NewRetentionJob(runs orchestrator.RunStore, maxAge time.Duration, schedule string, logger *slog.Logger) (*RetentionJob, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", maxAge)
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", schedule, err)
	}
	return &RetentionJob{
		runs:     runs,
		maxAge:   maxAge,
		schedule: schedule,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start prunes once, then on every schedule tick. Returns a stop function
// that waits for a running prune to finish.
func (j *RetentionJob) Start(ctx context.Context) func() {
	c := cron.New(cron.WithLocation(time.UTC))
	// Schedule was validated by NewRetentionJob.
	_, _ = c.AddFunc(j.schedule, func() {
		if _, err := j.Prune(ctx); err != nil {
			j.logger.ErrorContext(ctx, "run retention failed", slog.String("error", err.Error()))
		}
	})

	if _, err := j.Prune(ctx); err != nil {
		j.logger.ErrorContext(ctx, "run retention failed", slog.String("error", err.Error()))
	}

	c.Start()
	j.logger.InfoContext(ctx, "run retention started",
		slog.String("schedule", j.schedule),
		slog.Duration("max_age", j.maxAge),
	)

	return func() {
		<-c.Stop().Done()
		j.logger.Info("run retention stopped")
	}
}

// Prune deletes runs started before now minus the maximum age.
func (j *RetentionJob) Prune(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.maxAge)
	n, err := j.runs.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting runs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "old runs pruned",
			slog.Int64("deleted", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}
