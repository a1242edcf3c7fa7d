package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandloop/internal/gateway/mcpserver"
	"github.com/jkaninda/sandloop/internal/security"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the run_agent tool over MCP stdio",
	Long: `Speak the Model Context Protocol on stdin and stdout, exposing a single
run_agent tool. Logs go to stderr as JSON so they never corrupt the protocol
stream.`,
	RunE: runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger, err := newLogger(true)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	roots, err := contextRoots(cfg, logger)
	if err != nil {
		return err
	}
	app, err := newApp(cfg, logger, appOptions{store: true})
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = security.WithActor(ctx, "mcp")

	return serveGateways(ctx, logger, mcpserver.New(app.Orchestrator(0), version, logger, mcpserver.WithContextRoots(roots)))
}
