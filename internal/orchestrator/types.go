// Package orchestrator drives the sandboxed agent loop: the model writes
// Python, the sandbox runs it, the egress filter scrubs the output, and the
// observation goes back to the model until it produces a final answer.
//
// A run never returns an error past Run. Budget exhaustion, sandbox
// infrastructure failures and blocked leaks all end the run with a failed
// Result that carries every step collected so far.
package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandloop/internal/security"
)

// Action classifies an execution step.
type Action string

const (
	ActionLLMCall       Action = "llm_call"
	ActionCodeExecution Action = "code_execution"
	ActionFinalAnswer   Action = "final_answer"
)

// ErrorKind separates the ways a run can fail.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindBudget         ErrorKind = "budget"
	KindInfrastructure ErrorKind = "infrastructure" // Sandbox daemon, image or runtime.
	KindLeak           ErrorKind = "leak"
	KindModel          ErrorKind = "model"
	KindMaxIterations  ErrorKind = "max_iterations"
	KindCanceled       ErrorKind = "canceled"
	KindInput          ErrorKind = "input" // Unusable context file.
)

// MaxIterationsMessage is the Result.Error of a run that never produced an answer.
const MaxIterationsMessage = "Max iterations reached without final answer"

// PromptMode selects the system prompt variant.
type PromptMode string

const (
	PromptFull    PromptMode = "full"
	PromptMinimal PromptMode = "minimal"
)

// NoCodePolicy decides what happens when the model replies without code
// after the first iteration. The first iteration always gets a reminder.
type NoCodePolicy string

const (
	// NoCodeFinal accepts the reply as the final answer.
	NoCodeFinal NoCodePolicy = "final"
	// NoCodeRemind appends a reminder and keeps looping.
	NoCodeRemind NoCodePolicy = "remind"
)

// Step is one immutable record of the run. Steps are appended after every
// sub-operation and never changed afterwards.
type Step struct {
	Iteration int       `json:"iteration"`
	Action    Action    `json:"action"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the outcome of a run.
type Result struct {
	RunID       uuid.UUID              `json:"run_id"`
	Query       string                 `json:"query"`
	ContextPath string                 `json:"context_path,omitempty"`
	FinalAnswer string                 `json:"final_answer,omitempty"`
	Success     bool                   `json:"success"`
	Iterations  int                    `json:"iterations"`
	Steps       []Step                 `json:"steps"`
	Budget      security.BudgetSummary `json:"budget"`
	Error       string                 `json:"error,omitempty"`
	ErrorKind   ErrorKind              `json:"error_kind,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	Duration    time.Duration          `json:"duration"`
}

// Outcome is the metric label for the run: "success" or the error kind.
func (r *Result) Outcome() string {
	if r.Success {
		return "success"
	}
	if r.ErrorKind == KindNone {
		return string(KindModel)
	}
	return string(r.ErrorKind)
}

// RunSummary is the list view of a stored run, without its steps.
type RunSummary struct {
	RunID       uuid.UUID     `json:"run_id"`
	Query       string        `json:"query"`
	Success     bool          `json:"success"`
	Iterations  int           `json:"iterations"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	CostUSD     float64       `json:"cost_usd"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	FinalAnswer string        `json:"final_answer,omitempty"`
}

// Summarize returns the list view of r.
func (r *Result) Summarize() RunSummary {
	return RunSummary{
		RunID:       r.RunID,
		Query:       r.Query,
		Success:     r.Success,
		Iterations:  r.Iterations,
		ErrorKind:   r.ErrorKind,
		CostUSD:     r.Budget.CostUSD,
		StartedAt:   r.StartedAt,
		Duration:    r.Duration,
		FinalAnswer: r.FinalAnswer,
	}
}
