package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandloop/internal/security"
)

// ErrRunNotFound is returned by RunStore.GetRun for an unknown ID.
var ErrRunNotFound = errors.New("run not found")

// RunStore persists finished runs.
// Implementations: sqlite, postgres (internal/storage) or in-memory.
type RunStore interface {
	SaveRun(ctx context.Context, result *Result) error
	GetRun(ctx context.Context, id uuid.UUID) (*Result, error)
	// ListRuns returns the most recent runs first, at most limit of them.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
	// DeleteRunsBefore removes runs started before cutoff and reports how
	// many were deleted.
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StepFunc observes steps as they are recorded. It is called on the run's
// goroutine and must not block.
type StepFunc func(Step)

// AuditSink records security-relevant run events.
// *security.AuditLogger satisfies it.
type AuditSink interface {
	LogAction(ctx context.Context, event security.AuditEvent) error
}
