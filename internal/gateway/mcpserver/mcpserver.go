// Package mcpserver exposes the agent loop as an MCP tool over stdio.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/sandloop/internal/contextfile"
	"github.com/jkaninda/sandloop/internal/gateway"
	"github.com/jkaninda/sandloop/internal/orchestrator"
)

// ToolName is the name clients call.
const ToolName = "run_agent"

// Runner executes one run. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, query, contextPath string) *orchestrator.Result
}

// Server serves run_agent.
type Server struct {
	runner Runner
	roots  *contextfile.Roots
	mcp    *server.MCPServer
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithContextRoots confines context_path to roots. Without it every
// context_path is refused.
func WithContextRoots(roots *contextfile.Roots) Option {
	return func(s *Server) { s.roots = roots }
}

var _ gateway.Gateway = (*Server)(nil)

// New creates the MCP server and registers the run_agent tool.
func New(runner Runner, version string, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		runner: runner,
		logger: logger,
		mcp: server.NewMCPServer("sandloop", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}

	tool := mcp.NewTool(ToolName,
		mcp.WithDescription("Answer a question by writing and running Python in an isolated sandbox. "+
			"An optional context file is mounted read-only and explored through code, never sent to the model whole."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question to answer"),
		),
		mcp.WithString("context_path",
			mcp.Description("Absolute path of a text file, inside a configured context directory, that the code may read"),
		),
	)
	s.mcp.AddTool(tool, s.handleRunAgent)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve speaks MCP on the given streams until ctx is canceled or stdin closes.
func (s *Server) Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	s.logger.Info("mcp server listening on stdio", slog.String("tool", ToolName))
	return server.NewStdioServer(s.mcp).Listen(ctx, stdin, stdout)
}

// Start serves on the process stdin and stdout.
func (s *Server) Start(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Stop is a no-op; canceling the Start context ends the session.
func (s *Server) Stop(_ context.Context) error { return nil }

func (s *Server) handleRunAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil || query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	contextPath := req.GetString("context_path", "")
	if contextPath != "" {
		resolved, err := s.roots.Resolve(contextPath)
		if err != nil {
			s.logger.WarnContext(ctx, "rejected context path",
				slog.String("context_path", contextPath),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, contextfile.ErrNotFound) {
				return mcp.NewToolResultError("context_path does not exist"), nil
			}
			return mcp.NewToolResultError("context_path is not inside an allowed context directory"), nil
		}
		contextPath = resolved
	}

	s.logger.InfoContext(ctx, "mcp run",
		slog.String("context_path", contextPath),
	)

	result := s.runner.Run(ctx, query, contextPath)
	if !result.Success {
		return mcp.NewToolResultError(fmt.Sprintf("run %s failed (%s): %s", result.RunID, result.Outcome(), result.Error)), nil
	}
	return mcp.NewToolResultText(result.FinalAnswer), nil
}
