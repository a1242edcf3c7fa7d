package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sandloop/internal/config"
	"github.com/jkaninda/sandloop/internal/contextfile"
	"github.com/jkaninda/sandloop/internal/llm"
	"github.com/jkaninda/sandloop/internal/llm/anthropic"
	"github.com/jkaninda/sandloop/internal/llm/gemini"
	"github.com/jkaninda/sandloop/internal/llm/openai"
	"github.com/jkaninda/sandloop/internal/observability"
	"github.com/jkaninda/sandloop/internal/orchestrator"
	"github.com/jkaninda/sandloop/internal/sandbox"
	"github.com/jkaninda/sandloop/internal/secrets"
	"github.com/jkaninda/sandloop/internal/security"
	"github.com/jkaninda/sandloop/internal/storage"
	pgstore "github.com/jkaninda/sandloop/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/sandloop/internal/storage/sqlite"
)

// Exit codes for the run command.
const (
	ExitSuccess        = 0
	ExitNoAnswer       = 1
	ExitBudget         = 2
	ExitInfrastructure = 3
	ExitLeak           = 4
	ExitConfig         = 5
)

// exitError carries a specific process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// App holds the subsystems a command needs. Built by newApp, torn down by Close.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Provider llm.Provider
	Sandbox  sandbox.Sandbox
	Docker   *sandbox.DockerSandbox  // nil for the process sandbox.
	Store    storage.Store           // nil unless requested.
	Budget   *security.BudgetManager // non-nil when budget.shared is set.
	Audit    *security.AuditLogger   // non-nil when egress.audit_log is set.

	cleanups []func()
}

type appOptions struct {
	store bool // open and migrate the run store
}

// Close runs all cleanup functions in reverse order.
func (a *App) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

func (a *App) addCleanup(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// loadConfig reads the config from --config or SANDLOOP_CONFIG.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("SANDLOOP_CONFIG", configPath))
}

// newLogger builds the process logger. Long-running modes log JSON.
func newLogger(jsonOutput bool) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(goutils.Env("SANDLOOP_LOG_LEVEL", logLevel))); err != nil {
		return nil, &exitError{code: ExitConfig, err: fmt.Errorf("invalid --log-level: %w", err)}
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// newApp performs the initialization shared by all commands.
// Callers must call Close when done.
func newApp(cfg *config.Config, logger *slog.Logger, opts appOptions) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	a.Obs = obs
	a.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	if err := resolveSecrets(cfg); err != nil {
		a.Close()
		return nil, &exitError{code: ExitConfig, err: err}
	}

	provider, err := newLLMProvider(cfg, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	a.Provider = obs.WrapProvider(provider)
	logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))

	sb, docker, err := newSandbox(cfg, logger)
	if err != nil {
		a.Close()
		return nil, &exitError{code: ExitConfig, err: fmt.Errorf("initializing sandbox: %w", err)}
	}
	a.Sandbox = obs.WrapSandbox(sb, cfg.Sandbox.SandboxType())
	a.Docker = docker
	if docker != nil {
		a.addCleanup(func() { _ = docker.Close() })
	}
	logger.Debug("sandbox initialized", slog.String("type", cfg.Sandbox.SandboxType()))

	if cfg.Budget.Shared {
		a.Budget = security.NewBudgetManager(cfg.Budget.LimitUSD, logger, security.WithRates(budgetRates(cfg)))
	}

	if cfg.Egress.AuditLog != "" {
		audit, err := security.NewAuditLogger(cfg.Egress.AuditLog, logger)
		if err != nil {
			a.Close()
			return nil, &exitError{code: ExitConfig, err: err}
		}
		a.Audit = audit
		a.addCleanup(func() { _ = audit.Close() })
	}

	if opts.store {
		store, err := openStore(cfg, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		a.Store = store
		a.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
	}
	return a, nil
}

// Orchestrator builds an orchestrator for one run. maxIterations of 0 keeps
// the configured value.
func (a *App) Orchestrator(maxIterations int) *orchestrator.Orchestrator {
	cfg := orchestratorConfig(a.Config)
	if maxIterations > 0 {
		cfg.MaxIterations = maxIterations
	}
	o := orchestrator.New(a.Provider, a.Sandbox, cfg, a.Logger).WithObservability(a.Obs)
	if a.Store != nil {
		o.WithStore(a.Store.Runs())
	}
	if a.Budget != nil {
		o.WithBudget(a.Budget)
	}
	if a.Audit != nil {
		o.WithAudit(a.Audit)
	}
	return o
}

// resolveSecrets replaces env:// and vault:// references in the credential
// fields of cfg with their values.
func resolveSecrets(cfg *config.Config) error {
	resolvers := []secrets.Resolver{secrets.Env{}}
	if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
		v := cfg.Secrets.Vault
		vault, err := secrets.NewVault(secrets.VaultConfig{
			Address:       v.Address,
			Token:         v.Token,
			Namespace:     v.Namespace,
			Timeout:       time.Duration(v.TimeoutSeconds) * time.Second,
			TLSSkipVerify: v.TLSSkipVerify,
		})
		if err != nil {
			return err
		}
		resolvers = append(resolvers, vault)
	}

	fields := map[string]*string{
		"providers.anthropic.api_key": &cfg.Providers.Anthropic.APIKey,
		"providers.openai.api_key":    &cfg.Providers.OpenAI.APIKey,
		"providers.gemini.api_key":    &cfg.Providers.Gemini.APIKey,
	}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		fields["storage.postgres.dsn"] = &cfg.Storage.Postgres.DSN
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return secrets.NewRegistry(resolvers...).Fields(ctx, fields)
}

// orchestratorConfig maps the file config onto the loop settings.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		MaxIterations:      cfg.Agent.Iterations(),
		PromptMode:         orchestrator.PromptMode(cfg.Agent.PromptMode),
		CustomInstructions: cfg.Agent.CustomInstructions,
		NoCodePolicy:       orchestrator.NoCodePolicy(cfg.Agent.NoCodePolicy),
		RaiseOnLeak:        cfg.Egress.RaiseOnLeak,
		ContextSampleBytes: cfg.Agent.ContextSampleBytes,
		MaxTokens:          cfg.Agent.MaxTokens,
		Temperature:        cfg.Agent.Temperature,
		BudgetLimitUSD:     cfg.Budget.LimitUSD,
		Rates:              budgetRates(cfg),
	}
}

// budgetRates overlays configured prices on the built-in table.
func budgetRates(cfg *config.Config) map[string]security.Rate {
	if len(cfg.Budget.Rates) == 0 {
		return nil
	}
	rates := make(map[string]security.Rate, len(cfg.Budget.Rates))
	for prefix, r := range cfg.Budget.Rates {
		rates[prefix] = security.Rate{InputPerMTok: r.InputPerMTok, OutputPerMTok: r.OutputPerMTok}
	}
	return rates
}

// newLLMProvider builds the default provider, its fallbacks, and retries
// around each of them.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	retryCfg := llm.RetryConfig{
		MaxAttempts:  cfg.Providers.Retry.Attempts(),
		InitialDelay: cfg.Providers.Retry.InitialDelay(),
		Multiplier:   cfg.Providers.Retry.BackoffMultiplier(),
	}

	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}
	providers := []llm.Provider{llm.NewRetryProvider(primary, retryCfg, logger)}

	for _, name := range cfg.Providers.Fallback {
		fb, err := buildProvider(name, cfg, logger)
		if err != nil {
			logger.Warn("skipping fallback provider",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		providers = append(providers, llm.NewRetryProvider(fb, retryCfg, logger))
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	fallback, err := llm.NewFallbackProvider(providers, logger)
	if err != nil {
		return nil, err
	}
	return fallback, nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "anthropic", "":
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
		), nil
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "gemini":
		var opts []gemini.Option
		if cfg.Providers.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Providers.Gemini.BaseURL))
		}
		return gemini.NewClient(
			cfg.Providers.Gemini.APIKey,
			cfg.Providers.Gemini.Model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}

// newSandbox creates the configured sandbox. The Docker sandbox is also
// returned on its own so callers can run its security self-check.
func newSandbox(cfg *config.Config, logger *slog.Logger) (sandbox.Sandbox, *sandbox.DockerSandbox, error) {
	s := cfg.Sandbox
	switch s.SandboxType() {
	case "process":
		return sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			Python:         s.Python,
			Timeout:        s.Timeout(),
			MaxStdoutBytes: s.MaxStdoutBytes,
		}, logger), nil, nil
	default:
		docker, err := sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:              s.Image,
			Timeout:            s.Timeout(),
			Memory:             s.Memory,
			CPUs:               s.CPUs,
			PIDsLimit:          s.PIDsLimit,
			NetworkEnabled:     s.NetworkEnabled,
			Runtime:            s.Runtime,
			MaxStdoutBytes:     s.MaxStdoutBytes,
			User:               s.User,
			AllowUnsafeRuntime: s.AllowUnsafeRuntime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return docker, docker, nil
	}
}

// openStore opens and migrates the configured run store.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var store storage.Store
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverNone:
		store = storage.NewMemoryStore()
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		s, err := pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		sqliteCfg := sqlitestore.Config{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		s, err := sqlitestore.Open(sqliteCfg, logger)
		if err != nil {
			return nil, err
		}
		store = s
	}

	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("store initialized", slog.String("driver", store.Driver()))
	return store, nil
}

// apiKeys merges the configured key digests with SANDLOOP_API_KEYS, a
// comma-separated list of sha256hex:user entries.
func apiKeys(cfg *config.Config) map[string]string {
	keys := make(map[string]string)
	if cfg.HTTP != nil {
		for hash, user := range cfg.HTTP.APIKeyUserMapping {
			keys[hash] = user
		}
	}
	if env := os.Getenv("SANDLOOP_API_KEYS"); env != "" {
		for entry := range strings.SplitSeq(env, ",") {
			hash, user, ok := strings.Cut(strings.TrimSpace(entry), ":")
			if ok && hash != "" && user != "" {
				keys[hash] = user
			}
		}
	}
	return keys
}

// contextRoots resolves gateway.context_roots for the remote gateways.
func contextRoots(cfg *config.Config, logger *slog.Logger) (*contextfile.Roots, error) {
	roots, err := contextfile.NewRoots(cfg.Gateway.ContextRoots)
	if err != nil {
		return nil, &exitError{code: ExitConfig, err: err}
	}
	if len(roots.Dirs()) == 0 {
		logger.Info("no gateway.context_roots configured; remote runs cannot attach a context file")
	}
	return roots, nil
}
