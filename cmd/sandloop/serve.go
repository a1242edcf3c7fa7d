package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandloop/internal/gateway"
	"github.com/jkaninda/sandloop/internal/gateway/httpapi"
	"github.com/jkaninda/sandloop/internal/orchestrator"
	"github.com/jkaninda/sandloop/internal/ratelimit"
	"github.com/jkaninda/sandloop/internal/storage"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Start the HTTP API gateway. Runs are started with POST /v1/runs or streamed
over the /v1/runs/ws websocket, and persisted to the configured store.

Requests authenticate with "Authorization: Bearer <key>". Keys are configured
by their SHA-256 digest in http.api_key_user_mapping or SANDLOOP_API_KEYS.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides http.listen_addr)")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger, err := newLogger(true)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
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

	if cfg.Storage != nil && cfg.Storage.Retention != nil {
		job, err := storage.NewRetentionJob(app.Store.Runs(), cfg.Storage.Retention.MaxAge(), cfg.Storage.Retention.CronSchedule(), logger)
		if err != nil {
			return &exitError{code: ExitConfig, err: err}
		}
		stopRetention := job.Start(ctx)
		defer stopRetention()
	}

	roots, err := contextRoots(cfg, logger)
	if err != nil {
		return err
	}
	httpCfg := httpapi.Config{
		ListenAddr:   cfg.HTTP.Addr(),
		APIKeys:      apiKeys(cfg),
		RunTimeout:   cfg.HTTP.RunTimeout(),
		ContextRoots: roots,
	}
	var limiter *ratelimit.Limiter
	if cfg.HTTP != nil {
		httpCfg.EnableDocs = cfg.HTTP.EnableDocs
		httpCfg.MaxRequestSize = cfg.HTTP.MaxRequestSizeBytes
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.HTTP.RateLimit.BurstSize,
		})
	}
	if serveAddr != "" {
		httpCfg.ListenAddr = serveAddr
	}
	if len(httpCfg.APIKeys) == 0 {
		logger.Warn("no API keys configured, every /v1 request will be rejected")
	}

	if app.Obs != nil {
		registerHealthChecks(app)
		httpCfg.HealthChecker = app.Obs.Health
		if m := app.Obs.Metrics; m != nil {
			httpCfg.Metrics = m
			httpCfg.MetricsRegistry = m.Registry
			if mc := cfg.Observability.Metrics; mc != nil {
				httpCfg.MetricsPath = mc.Path
			}
		}
		if app.Obs.Tracer != nil {
			httpCfg.Tracer = app.Obs.Tracer.Tracer()
		}
	}

	runner := func(ctx context.Context, req httpapi.RunRequest, onStep orchestrator.StepFunc) *orchestrator.Result {
		o := app.Orchestrator(req.MaxIterations)
		if onStep != nil {
			o.OnStep(onStep)
		}
		return o.Run(ctx, req.Query, req.ContextPath)
	}

	api := httpapi.NewGateway(httpCfg, runner, app.Store.Runs(), limiter, logger)
	if app.Docker != nil {
		api.WithSecurityReport(app.Docker.ValidateSecurity)
	}

	logger.Info("sandloop serving",
		slog.String("addr", httpCfg.ListenAddr),
		slog.String("sandbox", cfg.Sandbox.SandboxType()),
		slog.String("store", app.Store.Driver()),
	)
	return serveGateways(ctx, logger, api)
}

// registerHealthChecks adds the readiness checks for the store and sandbox.
func registerHealthChecks(app *App) {
	health := app.Obs.Health
	health.AddCheck("store", app.Store.Ping)
	if app.Docker != nil {
		health.AddCheck("sandbox", func(ctx context.Context) error {
			if !app.Docker.ValidateSecurity(ctx).DockerAvailable {
				return errors.New("docker daemon unreachable")
			}
			return nil
		})
	}
}

// serveGateways starts every gateway and waits for a signal or the first
// gateway to exit, then stops them in reverse order.
func serveGateways(ctx context.Context, logger *slog.Logger, gateways ...gateway.Gateway) error {
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			exitErr = &exitError{code: ExitInfrastructure, err: err}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return exitErr
}
