package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a JSONB column (TEXT on SQLite).
type JSONB json.RawMessage

// RunModel maps to the "runs" table.
type RunModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Query        string    `gorm:"type:text;not null"`
	ContextPath  string
	FinalAnswer  string  `gorm:"type:text"`
	Success      bool    `gorm:"not null;default:false;index"`
	Iterations   int     `gorm:"not null;default:0"`
	Error        string  `gorm:"type:text"`
	ErrorKind    string  `gorm:"index"`
	CostUSD      float64 `gorm:"type:numeric(14,6)"`
	InputTokens  int
	OutputTokens int
	Budget       JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	StartedAt    time.Time `gorm:"not null;index"`
	DurationMS   int64
	CreatedAt    time.Time

	Steps []RunStepModel `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

func (RunModel) TableName() string { return "runs" }

// RunStepModel maps to the "run_steps" table.
// Steps are append-only; Seq preserves their order within a run.
type RunStepModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	RunID     uuid.UUID `gorm:"type:uuid;not null;index:idx_run_steps_run_seq,priority:1"`
	Seq       int       `gorm:"not null;index:idx_run_steps_run_seq,priority:2"`
	Iteration int       `gorm:"not null"`
	Action    string    `gorm:"not null"`
	Input     string    `gorm:"type:text"`
	Output    string    `gorm:"type:text"`
	Success   bool      `gorm:"not null;default:false"`
	Error     string    `gorm:"type:text"`
	Timestamp time.Time
}

func (RunStepModel) TableName() string { return "run_steps" }

// Models lists every table in FK-dependency order for AutoMigrate.
func Models() []any {
	return []any{
		&RunModel{},
		&RunStepModel{},
	}
}
