package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sandloop/internal/orchestrator"
)

const stepBatchSize = 100

// RunRepository implements orchestrator.RunStore with GORM. The SQLite
// backend reuses it on its own connection.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// SaveRun writes the run and its steps in one transaction. Saving the same
// run again replaces its steps.
func (r *RunRepository) SaveRun(ctx context.Context, result *orchestrator.Result) error {
	if result == nil || result.RunID == uuid.Nil {
		return fmt.Errorf("saving run: missing run id")
	}
	model := toRunModel(result)
	steps := toStepModels(result)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&model).Error; err != nil {
			return fmt.Errorf("saving run %s: %w", result.RunID, err)
		}
		if err := tx.Where("run_id = ?", result.RunID).Delete(&RunStepModel{}).Error; err != nil {
			return fmt.Errorf("clearing steps of run %s: %w", result.RunID, err)
		}
		if len(steps) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(steps, stepBatchSize).Error; err != nil {
			return fmt.Errorf("saving steps of run %s: %w", result.RunID, err)
		}
		return nil
	})
}

func (r *RunRepository) GetRun(ctx context.Context, id uuid.UUID) (*orchestrator.Result, error) {
	var model RunModel
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, orchestrator.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return toRunDomain(&model), nil
}

func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]orchestrator.RunSummary, error) {
	q := r.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []RunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	out := make([]orchestrator.RunSummary, len(models))
	for i := range models {
		out[i] = toRunSummary(&models[i])
	}
	return out, nil
}

func (r *RunRepository) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&RunModel{}).Select("id").Where("started_at < ?", cutoff.UTC())
		if err := tx.Where("run_id IN (?)", old).Delete(&RunStepModel{}).Error; err != nil {
			return fmt.Errorf("deleting steps: %w", err)
		}
		res := tx.Where("started_at < ?", cutoff.UTC()).Delete(&RunModel{})
		if res.Error != nil {
			return fmt.Errorf("deleting runs: %w", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// compile-time interface check
var _ orchestrator.RunStore = (*RunRepository)(nil)
