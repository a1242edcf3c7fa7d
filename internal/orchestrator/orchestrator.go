package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandloop/internal/contextfile"
	"github.com/jkaninda/sandloop/internal/extract"
	"github.com/jkaninda/sandloop/internal/llm"
	"github.com/jkaninda/sandloop/internal/observability"
	"github.com/jkaninda/sandloop/internal/sandbox"
	"github.com/jkaninda/sandloop/internal/security"
)

const (
	defaultMaxIterations      = 10
	defaultContextSampleBytes = 5000
	observationSeparator      = "\n---\n"
)

// errMaxIterations ends a run whose loop ran out without an answer.
var errMaxIterations = errors.New("max iterations reached")

// Config tunes a single Orchestrator. Zero values take defaults.
type Config struct {
	MaxIterations      int
	PromptMode         PromptMode
	CustomInstructions string
	NoCodePolicy       NoCodePolicy

	// RaiseOnLeak fails the run instead of redacting suspected leaks.
	RaiseOnLeak bool

	// ContextSampleBytes is how much of the context file seeds the
	// egress filter's fingerprints.
	ContextSampleBytes int

	MaxTokens   int
	Temperature *float64

	// BudgetLimitUSD is the per-run ceiling; zero or less only accounts.
	BudgetLimitUSD float64
	Rates          map[string]security.Rate
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.ContextSampleBytes <= 0 {
		c.ContextSampleBytes = defaultContextSampleBytes
	}
	if c.PromptMode == "" {
		c.PromptMode = PromptFull
	}
	if c.NoCodePolicy == "" {
		c.NoCodePolicy = NoCodeFinal
	}
	return c
}

// Orchestrator runs the think, execute, observe loop.
//
// An Orchestrator holds no per-run state: every Run builds its own history,
// step log, egress filter and (unless a shared one is set) budget ledger,
// so one Orchestrator may serve concurrent runs.
type Orchestrator struct {
	provider llm.Provider
	sandbox  sandbox.Sandbox
	cfg      Config
	logger   *slog.Logger

	obs    *observability.Observability
	store  RunStore
	budget *security.BudgetManager
	audit  AuditSink
	onStep StepFunc
}

// New creates an Orchestrator.
func New(provider llm.Provider, sb sandbox.Sandbox, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		provider: provider,
		sandbox:  sb,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// WithObservability enables metrics, tracing and anomaly recording for runs.
func (o *Orchestrator) WithObservability(obs *observability.Observability) *Orchestrator {
	o.obs = obs
	return o
}

// WithStore persists every finished run.
func (o *Orchestrator) WithStore(store RunStore) *Orchestrator {
	o.store = store
	return o
}

// WithBudget shares one ledger across all runs of this Orchestrator.
func (o *Orchestrator) WithBudget(budget *security.BudgetManager) *Orchestrator {
	o.budget = budget
	return o
}

// WithAudit appends run outcomes and egress findings to an audit trail.
func (o *Orchestrator) WithAudit(audit AuditSink) *Orchestrator {
	o.audit = audit
	return o
}

// OnStep registers a callback that sees every step as it is recorded.
func (o *Orchestrator) OnStep(fn StepFunc) *Orchestrator {
	o.onStep = fn
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// run is the mutable state of one Run call.
type run struct {
	o           *Orchestrator
	id          uuid.UUID
	contextPath string
	system      string
	budget      *security.BudgetManager
	filter      *security.EgressFilter
	history     []llm.Message
	steps       []Step
	llmCalls    int
}

// Run answers query, optionally with a context file mounted into the
// sandbox. It always returns a Result; failures are reported through
// Result.Error and Result.ErrorKind.
func (o *Orchestrator) Run(ctx context.Context, query, contextPath string) *Result {
	start := time.Now()
	r := &run{
		o:           o,
		id:          uuid.New(),
		contextPath: contextPath,
		system:      systemPrompt(o.cfg.PromptMode, contextPath != "", o.cfg.CustomInstructions),
		budget:      o.ledger(),
	}
	result := &Result{
		RunID:       r.id,
		Query:       query,
		ContextPath: contextPath,
		StartedAt:   start.UTC(),
	}

	var span trace.Span
	if o.obs != nil && o.obs.Tracer != nil {
		ctx, span = o.obs.Tracer.Tracer().Start(ctx, "orchestrator.run",
			trace.WithAttributes(
				attribute.String("run.id", r.id.String()),
				attribute.Bool("run.context", contextPath != ""),
				attribute.Int("run.max_iterations", o.cfg.MaxIterations),
			))
		defer span.End()
	}
	if m := o.obs.MetricsOrNil(); m != nil {
		m.ActiveRuns.Inc()
		defer m.ActiveRuns.Dec()
	}

	o.logger.InfoContext(ctx, "run started",
		slog.String("run_id", r.id.String()),
		slog.Bool("context", contextPath != ""),
		slog.Int("max_iterations", o.cfg.MaxIterations),
	)

	answer, err := r.loop(ctx, query)

	result.Steps = slices.Clone(r.steps)
	result.Budget = r.budget.Summary()
	result.Duration = time.Since(start)
	switch {
	case err == nil:
		result.Success = true
		result.FinalAnswer = answer
		result.Iterations = r.llmCalls
	case errors.Is(err, errMaxIterations):
		result.Error = MaxIterationsMessage
		result.ErrorKind = KindMaxIterations
		result.Iterations = o.cfg.MaxIterations
	default:
		result.Error = err.Error()
		result.ErrorKind = classify(ctx, err)
		result.Iterations = r.llmCalls
	}

	o.finish(ctx, result, span)
	return result
}

func (r *run) loop(ctx context.Context, query string) (string, error) {
	o := r.o
	sample := ""
	if r.contextPath != "" {
		s, err := contextSample(r.contextPath, o.cfg.ContextSampleBytes)
		if err != nil {
			return "", fmt.Errorf("context file: %w", err)
		}
		sample = s
	}
	r.filter = security.NewEgressFilter(sample, o.cfg.RaiseOnLeak, o.logger)
	r.history = append(r.history, llm.Message{Role: llm.RoleUser, Content: query})

	for iter := 1; iter <= o.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := r.budget.Check(ctx); err != nil {
			return "", err
		}

		o.logger.DebugContext(ctx, "iteration started",
			slog.String("run_id", r.id.String()),
			slog.Int("iteration", iter),
			slog.Int("max_iterations", o.cfg.MaxIterations),
		)

		resp, err := r.callModel(ctx, iter)
		if err != nil {
			return "", err
		}

		if answer, ok := extract.FinalAnswer(resp.Content); ok {
			r.record(Step{Iteration: iter, Action: ActionFinalAnswer, Input: resp.Content, Output: answer, Success: true})
			return answer, nil
		}

		r.history = append(r.history, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		blocks, err := extract.Extract(resp.Content)
		if err != nil {
			o.logger.WarnContext(ctx, "unparseable model reply",
				slog.String("run_id", r.id.String()),
				slog.Int("iteration", iter),
				slog.String("error", err.Error()),
			)
			r.observe("Error: " + err.Error() + ". Close every ``` code fence.")
			continue
		}

		if len(blocks) == 0 {
			if iter == 1 || o.cfg.NoCodePolicy == NoCodeRemind {
				r.history = append(r.history, llm.Message{Role: llm.RoleUser, Content: noCodeReminder})
				continue
			}
			r.record(Step{Iteration: iter, Action: ActionFinalAnswer, Input: resp.Content, Output: resp.Content, Success: true})
			return resp.Content, nil
		}

		o.logger.InfoContext(ctx, "executing code blocks",
			slog.String("run_id", r.id.String()),
			slog.Int("iteration", iter),
			slog.Int("count", len(blocks)),
		)

		observations := make([]string, 0, len(blocks))
		for _, code := range blocks {
			observation, stdout, err := r.execute(ctx, iter, code)
			if err != nil {
				return "", err
			}
			observations = append(observations, observation)

			if answer, ok := extract.FinalAnswer(stdout); ok {
				r.record(Step{Iteration: iter, Action: ActionFinalAnswer, Input: stdout, Output: answer, Success: true})
				return answer, nil
			}
		}

		r.observe(strings.Join(observations, observationSeparator))
	}

	o.logger.WarnContext(ctx, "max iterations reached",
		slog.String("run_id", r.id.String()),
		slog.Int("max_iterations", o.cfg.MaxIterations),
	)
	return "", errMaxIterations
}

// callModel sends the history, charges the ledger and records the step.
// A budget overrun is returned after the step is recorded.
func (r *run) callModel(ctx context.Context, iter int) (*llm.Response, error) {
	o := r.o
	last := r.history[len(r.history)-1].Content

	resp, err := o.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: r.system,
		Messages:     slices.Clone(r.history),
		MaxTokens:    o.cfg.MaxTokens,
		Temperature:  o.cfg.Temperature,
	})
	r.llmCalls++
	if err != nil {
		r.record(Step{Iteration: iter, Action: ActionLLMCall, Input: last, Error: err.Error()})
		return nil, fmt.Errorf("model call: %w", err)
	}

	model := resp.Model
	if model == "" {
		model = o.provider.Name()
	}
	budgetErr := r.budget.RecordUsage(ctx, model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	cost := r.budget.RateFor(model).Cost(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	o.obs.MetricsOrNil().RecordSpend(model, cost)
	if a := o.obs.AnomalyOrNil(); a != nil {
		a.RecordBudgetSpend(model, cost)
	}

	r.record(Step{Iteration: iter, Action: ActionLLMCall, Input: last, Output: resp.Content, Success: true})
	if budgetErr != nil {
		return nil, budgetErr
	}
	return resp, nil
}

// execute runs one code block and returns the observation text and the
// filtered stdout. Only failures that end the run are returned as errors;
// everything else becomes part of the observation.
func (r *run) execute(ctx context.Context, iter int, code string) (observation, stdout string, err error) {
	o := r.o
	res, err := o.sandbox.Execute(ctx, sandbox.ExecutionRequest{Code: code, ContextPath: r.contextPath})
	if err != nil {
		r.record(Step{Iteration: iter, Action: ActionCodeExecution, Input: code, Error: err.Error()})
		if sandbox.IsInfrastructure(err) || ctx.Err() != nil {
			return "", "", fmt.Errorf("sandbox: %w", err)
		}
		o.logger.WarnContext(ctx, "sandbox execution failed",
			slog.String("run_id", r.id.String()),
			slog.Int("iteration", iter),
			slog.String("error", err.Error()),
		)
		return "Error: " + err.Error(), "", nil
	}

	filtered, err := r.filterResult(ctx, res)
	if err != nil {
		r.record(Step{Iteration: iter, Action: ActionCodeExecution, Input: code, Error: err.Error()})
		return "", "", err
	}

	step := Step{Iteration: iter, Action: ActionCodeExecution, Input: code, Output: filtered.Stdout, Success: filtered.Success()}
	if !filtered.Success() {
		step.Error = filtered.Stderr
	}
	r.record(step)

	return observationFor(filtered), filtered.Stdout, nil
}

// filterResult scrubs stdout, and stderr when it will be shown to the
// model, returning a new result.
func (r *run) filterResult(ctx context.Context, res *sandbox.ExecutionResult) (*sandbox.ExecutionResult, error) {
	metrics := r.o.obs.MetricsOrNil()

	stdout, findings, err := r.filter.FilterAsync(ctx, res.Stdout)
	metrics.RecordEgress(findingKinds(findings), err != nil)
	r.auditEgress(ctx, findings, err != nil)
	if err != nil {
		return nil, err
	}
	out := res.WithStdout(stdout)

	if !out.Success() && out.Stderr != "" {
		stderr, findings, err := r.filter.FilterAsync(ctx, out.Stderr)
		metrics.RecordEgress(findingKinds(findings), err != nil)
		r.auditEgress(ctx, findings, err != nil)
		if err != nil {
			return nil, err
		}
		cp := *out
		cp.Stderr = stderr
		out = &cp
	}
	return out, nil
}

func (r *run) auditEgress(ctx context.Context, findings []security.Finding, blocked bool) {
	if len(findings) == 0 {
		return
	}
	ev := security.AuditEvent{
		RunID:  r.id,
		Action: security.AuditEgressRedact,
		Result: "redacted",
		Kinds:  findingKinds(findings),
	}
	if blocked {
		ev.Action, ev.Result = security.AuditEgressBlocked, "blocked"
	}
	r.o.logAudit(ctx, ev)
}

func (r *run) observe(text string) {
	r.history = append(r.history, llm.Message{Role: llm.RoleUser, Content: "Observation:\n" + text})
}

func (r *run) record(s Step) {
	s.Timestamp = time.Now().UTC()
	r.steps = append(r.steps, s)
	if r.o.onStep != nil {
		r.o.onStep(s)
	}
}

// observationFor turns the result flags into the text fed back to the model.
func observationFor(res *sandbox.ExecutionResult) string {
	switch {
	case res.OOMKilled:
		return "Error: Memory Limit Exceeded (OOMKilled)"
	case res.TimedOut:
		return "Error: Execution Timeout"
	case !res.Success():
		return fmt.Sprintf("Error (exit %d):\n%s", res.ExitCode, res.Stderr)
	default:
		return res.Stdout
	}
}

// finish records metrics, closes the span, logs and persists the result.
func (o *Orchestrator) finish(ctx context.Context, result *Result, span trace.Span) {
	o.obs.MetricsOrNil().RecordRun(result.Outcome(), result.Iterations, result.Duration.Seconds())
	if a := o.obs.AnomalyOrNil(); a != nil {
		if result.Success {
			a.RecordSuccess("run")
		} else {
			a.RecordError("run")
		}
	}

	if span != nil {
		span.SetAttributes(
			attribute.Bool("run.success", result.Success),
			attribute.Int("run.iterations", result.Iterations),
			attribute.Float64("run.cost_usd", result.Budget.CostUSD),
		)
		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
		}
	}

	attrs := []any{
		slog.String("run_id", result.RunID.String()),
		slog.Bool("success", result.Success),
		slog.Int("iterations", result.Iterations),
		slog.Int("steps", len(result.Steps)),
		slog.Float64("cost_usd", result.Budget.CostUSD),
		slog.Duration("duration", result.Duration),
	}
	if result.Success {
		o.logger.InfoContext(ctx, "run completed", attrs...)
	} else {
		attrs = append(attrs, slog.String("error_kind", string(result.ErrorKind)), slog.String("error", result.Error))
		o.logger.WarnContext(ctx, "run failed", attrs...)
	}

	o.logAudit(ctx, security.AuditEvent{
		RunID:   result.RunID,
		Action:  security.AuditRunFinished,
		Result:  result.Outcome(),
		CostUSD: result.Budget.CostUSD,
	})

	if o.store != nil {
		// A canceled run is still worth keeping.
		if err := o.store.SaveRun(context.WithoutCancel(ctx), result); err != nil {
			o.logger.ErrorContext(ctx, "failed to persist run",
				slog.String("run_id", result.RunID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (o *Orchestrator) logAudit(ctx context.Context, ev security.AuditEvent) {
	if o.audit == nil {
		return
	}
	ev.Actor = security.ActorFromContext(ctx)
	if err := o.audit.LogAction(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.ErrorContext(ctx, "failed to write audit event",
			slog.String("action", ev.Action),
			slog.String("error", err.Error()),
		)
	}
}

// Chat sends one message to the model without running any code.
func (o *Orchestrator) Chat(ctx context.Context, message string) (string, error) {
	return o.ChatStream(ctx, message, nil)
}

// ChatStream is Chat with onText called for every text delta as it arrives.
// Providers without native streaming deliver the whole reply as one delta.
func (o *Orchestrator) ChatStream(ctx context.Context, message string, onText func(string)) (string, error) {
	budget := o.ledger()
	if err := budget.Check(ctx); err != nil {
		return "", err
	}
	resp, err := llm.Collect(ctx, llm.AsStreaming(o.provider), &llm.Request{
		SystemPrompt: strings.TrimSpace(o.cfg.CustomInstructions),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: message}},
		MaxTokens:    o.cfg.MaxTokens,
		Temperature:  o.cfg.Temperature,
	}, onText)
	if err != nil {
		return "", fmt.Errorf("model call: %w", err)
	}
	model := resp.Model
	if model == "" {
		model = o.provider.Name()
	}
	if err := budget.RecordUsage(ctx, model, resp.Usage.InputTokens, resp.Usage.OutputTokens); err != nil {
		return resp.Content, err
	}
	return resp.Content, nil
}

// ledger returns the shared budget or a fresh one for a single run.
func (o *Orchestrator) ledger() *security.BudgetManager {
	if o.budget != nil {
		return o.budget
	}
	return security.NewBudgetManager(o.cfg.BudgetLimitUSD, o.logger, security.WithRates(o.cfg.Rates))
}

// classify maps a run-ending error to its kind.
func classify(ctx context.Context, err error) ErrorKind {
	switch {
	case errors.Is(err, security.ErrBudgetExceeded):
		return KindBudget
	case errors.Is(err, security.ErrDataLeak):
		return KindLeak
	case sandbox.IsInfrastructure(err):
		return KindInfrastructure
	case errors.Is(err, contextfile.ErrNotFound),
		errors.Is(err, contextfile.ErrNotRegular),
		errors.Is(err, contextfile.ErrBinary):
		return KindInput
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		ctx.Err() != nil:
		return KindCanceled
	default:
		return KindModel
	}
}

func contextSample(path string, n int) (string, error) {
	h, err := contextfile.Open(path)
	if err != nil {
		return "", err
	}
	defer h.Close()
	return h.Head(int64(n))
}

func findingKinds(findings []security.Finding) []string {
	var out []string
	for _, f := range findings {
		if !slices.Contains(out, f.Kind) {
			out = append(out, f.Kind)
		}
	}
	return out
}
