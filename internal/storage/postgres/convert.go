package postgres

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/sandloop/internal/orchestrator"
	"github.com/jkaninda/sandloop/internal/security"
)

// --- Run ---

func toRunModel(r *orchestrator.Result) RunModel {
	budget, _ := json.Marshal(r.Budget)
	if budget == nil {
		budget = []byte("{}")
	}
	return RunModel{
		ID:           r.RunID,
		Query:        r.Query,
		ContextPath:  r.ContextPath,
		FinalAnswer:  r.FinalAnswer,
		Success:      r.Success,
		Iterations:   r.Iterations,
		Error:        r.Error,
		ErrorKind:    string(r.ErrorKind),
		CostUSD:      r.Budget.CostUSD,
		InputTokens:  r.Budget.InputTokens,
		OutputTokens: r.Budget.OutputTokens,
		Budget:       JSONB(budget),
		StartedAt:    r.StartedAt.UTC(),
		DurationMS:   r.Duration.Milliseconds(),
	}
}

func toRunDomain(m *RunModel) *orchestrator.Result {
	var budget security.BudgetSummary
	if len(m.Budget) > 0 {
		_ = json.Unmarshal(m.Budget, &budget)
	}
	steps := make([]orchestrator.Step, len(m.Steps))
	for i := range m.Steps {
		steps[i] = toStepDomain(&m.Steps[i])
	}
	return &orchestrator.Result{
		RunID:       m.ID,
		Query:       m.Query,
		ContextPath: m.ContextPath,
		FinalAnswer: m.FinalAnswer,
		Success:     m.Success,
		Iterations:  m.Iterations,
		Steps:       steps,
		Budget:      budget,
		Error:       m.Error,
		ErrorKind:   orchestrator.ErrorKind(m.ErrorKind),
		StartedAt:   m.StartedAt.UTC(),
		Duration:    time.Duration(m.DurationMS) * time.Millisecond,
	}
}

func toRunSummary(m *RunModel) orchestrator.RunSummary {
	return orchestrator.RunSummary{
		RunID:       m.ID,
		Query:       m.Query,
		Success:     m.Success,
		Iterations:  m.Iterations,
		ErrorKind:   orchestrator.ErrorKind(m.ErrorKind),
		CostUSD:     m.CostUSD,
		StartedAt:   m.StartedAt.UTC(),
		Duration:    time.Duration(m.DurationMS) * time.Millisecond,
		FinalAnswer: m.FinalAnswer,
	}
}

// --- Step ---

func toStepModels(r *orchestrator.Result) []RunStepModel {
	out := make([]RunStepModel, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = RunStepModel{
			RunID:     r.RunID,
			Seq:       i,
			Iteration: s.Iteration,
			Action:    string(s.Action),
			Input:     s.Input,
			Output:    s.Output,
			Success:   s.Success,
			Error:     s.Error,
			Timestamp: s.Timestamp.UTC(),
		}
	}
	return out
}

func toStepDomain(m *RunStepModel) orchestrator.Step {
	return orchestrator.Step{
		Iteration: m.Iteration,
		Action:    orchestrator.Action(m.Action),
		Input:     m.Input,
		Output:    m.Output,
		Success:   m.Success,
		Error:     m.Error,
		Timestamp: m.Timestamp.UTC(),
	}
}
