package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sandloop/internal/contextfile"
	"github.com/jkaninda/sandloop/internal/orchestrator"
	"github.com/jkaninda/sandloop/internal/sandbox"
	"github.com/jkaninda/sandloop/internal/security"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxIterationsCap = 100
)

// RunRequest is the JSON body for POST /v1/runs and the first message on
// the run stream.
type RunRequest struct {
	Query         string `json:"query"`
	ContextPath   string `json:"context_path,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"` // 0 = server default.
}

// validate returns a client-facing message, or "" when req is usable. A
// context path is replaced by its resolved form inside roots.
func (req *RunRequest) validate(roots *contextfile.Roots) string {
	switch {
	case req.Query == "":
		return "query is required"
	case req.MaxIterations < 0 || req.MaxIterations > maxIterationsCap:
		return fmt.Sprintf("max_iterations must be between 0 and %d", maxIterationsCap)
	case req.ContextPath == "":
		return ""
	}
	resolved, err := roots.Resolve(req.ContextPath)
	switch {
	case errors.Is(err, contextfile.ErrNotFound):
		return "context_path does not exist"
	case err != nil:
		return "context_path is not inside an allowed context directory"
	}
	req.ContextPath = resolved
	return ""
}

func (g *Gateway) handleRunCreate(c *okapi.Context) error {
	userID := c.GetString("userID")

	r := c.Request()
	r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize)

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if msg := req.validate(g.config.ContextRoots); msg != "" {
		g.logger.Warn("rejected run request",
			slog.String("user_id", userID),
			slog.String("context_path", req.ContextPath),
			slog.String("reason", msg),
		)
		return c.AbortBadRequest(msg)
	}

	g.logger.Info("http run",
		slog.String("user_id", userID),
		slog.String("context_path", req.ContextPath),
		slog.Int("max_iterations", req.MaxIterations),
	)

	result := g.run(c.Context(), userID, req, nil)
	return c.OK(result)
}

// run executes req for userID bounded by the configured run timeout.
func (g *Gateway) run(ctx context.Context, userID string, req RunRequest, onStep orchestrator.StepFunc) *orchestrator.Result {
	ctx, cancel := context.WithTimeout(security.WithActor(ctx, userID), g.config.RunTimeout)
	defer cancel()
	return g.runner(ctx, req, onStep)
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	limit := defaultListLimit
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = min(n, maxListLimit)
	}

	runs, err := g.runs.ListRuns(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	if runs == nil {
		runs = []orchestrator.RunSummary{}
	}
	return c.OK(runs)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	run, err := g.runs.GetRun(c.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
		}
		g.logger.Error("loading run failed",
			slog.String("run_id", id.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("loading run failed")
	}
	return c.OK(run)
}

// SecurityResponse is the JSON response for GET /v1/security.
type SecurityResponse struct {
	sandbox.SecurityReport
	Secure bool `json:"secure"`
}

func (g *Gateway) handleSecurity(c *okapi.Context) error {
	if g.security == nil {
		return c.AbortServiceUnavailable("security report is not available for this sandbox")
	}
	report := g.security(c.Context())
	return c.OK(SecurityResponse{SecurityReport: report, Secure: report.Secure()})
}
