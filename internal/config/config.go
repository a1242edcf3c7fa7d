// Package config loads and validates sandloop configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if present; ignore error when missing.
	_ = godotenv.Load()
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the root configuration.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.sandloop/data. Override: SANDLOOP_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under DataDir
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	Budget        BudgetConfig         `json:"budget" yaml:"budget"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Egress        EgressConfig         `json:"egress" yaml:"egress"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"` // nil = defaults for `serve`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env:// references only
}

// SecretsConfig enables resolving vault:// references in API keys and DSNs.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultConfig configures HashiCorp Vault KV v2 access. VAULT_ADDR,
// VAULT_TOKEN and VAULT_NAMESPACE take precedence.
type VaultConfig struct {
	Address        string `json:"address" yaml:"address"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // Default: 5
	TLSSkipVerify  bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
}

// StorageConfig selects where runs are persisted.
type StorageConfig struct {
	Driver    string                 `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres" or "none".
	SQLite    *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres  *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
	Retention *RetentionConfig       `json:"retention,omitempty" yaml:"retention,omitempty"` // nil = keep runs forever
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s == nil || s.Driver == "" {
		return "sqlite"
	}
	return s.Driver
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/sandloop.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL connection settings.
// The DSN can be overridden by the SANDLOOP_DB_DSN env var.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// RetentionConfig prunes old runs on a cron schedule.
type RetentionConfig struct {
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"` // Default: 30
	Schedule   string `json:"schedule" yaml:"schedule"`         // Cron expression. Default: "@daily"
}

// MaxAge returns the retention window.
func (r *RetentionConfig) MaxAge() time.Duration {
	if r == nil || r.MaxAgeDays <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(r.MaxAgeDays) * 24 * time.Hour
}

// CronSchedule returns the prune schedule.
func (r *RetentionConfig) CronSchedule() string {
	if r == nil || r.Schedule == "" {
		return "@daily"
	}
	return r.Schedule
}

// AgentConfig controls the execution loop.
type AgentConfig struct {
	MaxIterations      int      `json:"max_iterations" yaml:"max_iterations"`               // Default: 10
	PromptMode         string   `json:"prompt_mode" yaml:"prompt_mode"`                     // "full" (default) or "minimal"
	CustomInstructions string   `json:"custom_instructions" yaml:"custom_instructions"`     // Appended to the system prompt.
	NoCodePolicy       string   `json:"no_code_policy" yaml:"no_code_policy"`               // "final" (default) or "remind"
	MaxTokens          int      `json:"max_tokens" yaml:"max_tokens"`                       // 0 = provider default
	Temperature        *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"` // nil = provider default
	ContextSampleBytes int      `json:"context_sample_bytes" yaml:"context_sample_bytes"`   // Default: 5000
}

// Iterations returns MaxIterations or its default.
func (a AgentConfig) Iterations() int {
	if a.MaxIterations <= 0 {
		return 10
	}
	return a.MaxIterations
}

// BudgetConfig sets the per-run cost ceiling.
type BudgetConfig struct {
	LimitUSD float64               `json:"limit_usd" yaml:"limit_usd"` // 0 = account without enforcing
	Shared   bool                  `json:"shared" yaml:"shared"`       // One ledger across all runs of the process.
	Rates    map[string]RateConfig `json:"rates,omitempty" yaml:"rates,omitempty"`
}

// RateConfig overrides the price of a model prefix, in USD per million tokens.
type RateConfig struct {
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
}

// SandboxConfig configures code execution.
type SandboxConfig struct {
	Type               string  `json:"type" yaml:"type"` // "docker" (default) or "process"
	Image              string  `json:"image" yaml:"image"`
	TimeoutSeconds     int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	Memory             string  `json:"memory" yaml:"memory"` // e.g. "512m"
	CPUs               float64 `json:"cpus" yaml:"cpus"`
	PIDsLimit          int64   `json:"pids_limit" yaml:"pids_limit"`
	NetworkEnabled     bool    `json:"network_enabled" yaml:"network_enabled"`
	Runtime            string  `json:"runtime" yaml:"runtime"` // "auto" (default), "runsc" or "runc"
	MaxStdoutBytes     int     `json:"max_stdout_bytes" yaml:"max_stdout_bytes"`
	User               string  `json:"user,omitempty" yaml:"user,omitempty"`
	AllowUnsafeRuntime bool    `json:"allow_unsafe_runtime" yaml:"allow_unsafe_runtime"`
	Python             string  `json:"python,omitempty" yaml:"python,omitempty"` // Interpreter for the process sandbox.
}

// Timeout returns the execution timeout, zero meaning the sandbox default.
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// SandboxType returns the configured sandbox type, defaulting to "docker".
func (s SandboxConfig) SandboxType() string {
	if s.Type == "" {
		return "docker"
	}
	return s.Type
}

// EgressConfig controls the output filter.
type EgressConfig struct {
	RaiseOnLeak bool   `json:"raise_on_leak" yaml:"raise_on_leak"`             // Fail the run instead of redacting.
	AuditLog    string `json:"audit_log,omitempty" yaml:"audit_log,omitempty"` // JSONL audit trail path. Empty = disabled.
}

// ProvidersConfig selects the LLM backend.
type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "anthropic", "openai", "gemini", "ollama". Empty = "anthropic".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order when the default fails.
	Retry     *RetryConfig    `json:"retry,omitempty" yaml:"retry,omitempty"`       // nil = default retry policy
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Gemini    GeminiConfig    `json:"gemini" yaml:"gemini"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

// RetryConfig tunes retries of transient provider failures.
type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts" yaml:"max_attempts"`         // Default: 3
	InitialDelayMS int     `json:"initial_delay_ms" yaml:"initial_delay_ms"` // Default: 500
	Multiplier     float64 `json:"multiplier" yaml:"multiplier"`             // Default: 2.0
}

// Attempts returns MaxAttempts or its default.
func (r *RetryConfig) Attempts() int {
	if r == nil || r.MaxAttempts <= 0 {
		return 3
	}
	return r.MaxAttempts
}

// InitialDelay returns the first backoff delay.
func (r *RetryConfig) InitialDelay() time.Duration {
	if r == nil || r.InitialDelayMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

// BackoffMultiplier returns Multiplier or its default.
func (r *RetryConfig) BackoffMultiplier() float64 {
	if r == nil || r.Multiplier <= 0 {
		return 2.0
	}
	return r.Multiplier
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://generativelanguage.googleapis.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// GatewayConfig applies to runs requested by remote clients (`serve` and `mcp`).
type GatewayConfig struct {
	// ContextRoots are the directories a client-supplied context_path may
	// resolve into, after symlinks. Empty means clients cannot attach context.
	ContextRoots []string `json:"context_roots" yaml:"context_roots"`
}

// HTTPConfig configures the `serve` gateway.
type HTTPConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // SHA-256 of API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	RunTimeoutSeconds   int               `json:"run_timeout_seconds" yaml:"run_timeout_seconds"` // Default: 600
}

// Addr returns the listen address.
func (h *HTTPConfig) Addr() string {
	if h == nil || h.ListenAddr == "" {
		return ":8080"
	}
	return h.ListenAddr
}

// RunTimeout bounds a single run started over HTTP.
func (h *HTTPConfig) RunTimeout() time.Duration {
	if h == nil || h.RunTimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(h.RunTimeoutSeconds) * time.Second
}

// RateLimitConfig configures per-user rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sandloop"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

type AnomalyConfig struct {
	Enabled               bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold    float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`       // e.g. 0.5 = 50% errors
	BudgetSpikeMultiplier float64 `json:"budget_spike_multiplier" yaml:"budget_spike_multiplier"` // e.g. 3.0 = 3x normal
	WindowSeconds         int     `json:"window_seconds" yaml:"window_seconds"`                   // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.sandloop/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sandloop.yaml"
	}
	return filepath.Join(home, ".sandloop", "config.yaml")
}

// Default returns a configuration that needs only a provider API key.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxIterations: 10,
			PromptMode:    "full",
			NoCodePolicy:  "final",
		},
		Budget: BudgetConfig{LimitUSD: 1.0},
		Providers: ProvidersConfig{
			Default:   "anthropic",
			Anthropic: AnthropicConfig{Model: "claude-sonnet-4-20250514"},
			OpenAI:    OpenAIConfig{Model: "gpt-4o"},
			Gemini:    GeminiConfig{Model: "gemini-2.0-flash"},
		},
	}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path, or the default path when it does not exist, yields Default().
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: parsing YAML config %s: %v", ErrInvalid, resolved, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: parsing JSON config %s: %v", ErrInvalid, resolved, err)
			}
		}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".sandloop", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables on the loaded values.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("SANDLOOP_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SANDLOOP_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".sandloop", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "sandloop.db")
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "anthropic"
	}
	if err := c.validateProvider(c.Providers.Default); err != nil {
		return err
	}
	for _, name := range c.Providers.Fallback {
		if name == c.Providers.Default {
			return fmt.Errorf("providers.fallback must not repeat the default provider %q", name)
		}
		if err := c.validateProvider(name); err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
	}
	if c.Budget.LimitUSD < 0 {
		return fmt.Errorf("budget.limit_usd must not be negative")
	}
	for prefix, rate := range c.Budget.Rates {
		if rate.InputPerMTok < 0 || rate.OutputPerMTok < 0 {
			return fmt.Errorf("budget.rates.%s must not be negative", prefix)
		}
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent.max_iterations must not be negative")
	}
	switch c.Agent.PromptMode {
	case "", "full", "minimal":
	default:
		return fmt.Errorf("agent.prompt_mode %q is not supported (use full or minimal)", c.Agent.PromptMode)
	}
	switch c.Agent.NoCodePolicy {
	case "", "final", "remind":
	default:
		return fmt.Errorf("agent.no_code_policy %q is not supported (use final or remind)", c.Agent.NoCodePolicy)
	}
	if c.Agent.ContextSampleBytes < 0 {
		return fmt.Errorf("agent.context_sample_bytes must not be negative")
	}
	if err := c.validateSandbox(); err != nil {
		return err
	}
	switch c.Storage.StorageDriver() {
	case "sqlite", "none":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set SANDLOOP_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or none)", c.Storage.Driver)
	}
	for _, root := range c.Gateway.ContextRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("gateway.context_roots entry %q must be an absolute path", root)
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	return nil
}

func (c *Config) validateSandbox() error {
	s := c.Sandbox
	switch s.SandboxType() {
	case "docker":
	case "process":
		if !s.AllowUnsafeRuntime {
			return fmt.Errorf("sandbox.type=process has no isolation and requires sandbox.allow_unsafe_runtime")
		}
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use docker or process)", s.Type)
	}
	switch s.Runtime {
	case "", "auto", "runsc", "runc":
	default:
		return fmt.Errorf("sandbox.runtime %q is not supported (use auto, runsc or runc)", s.Runtime)
	}
	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if s.CPUs < 0 {
		return fmt.Errorf("sandbox.cpus must not be negative")
	}
	if s.PIDsLimit < 0 {
		return fmt.Errorf("sandbox.pids_limit must not be negative")
	}
	if s.MaxStdoutBytes < 0 {
		return fmt.Errorf("sandbox.max_stdout_bytes must not be negative")
	}
	return nil
}

func (c *Config) validateProvider(name string) error {
	switch name {
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "gemini":
		if c.Providers.Gemini.Model == "" {
			return fmt.Errorf("providers.gemini.model is required")
		}
		if c.Providers.Gemini.APIKey == "" {
			return fmt.Errorf("providers.gemini.api_key is required (set GEMINI_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return fmt.Errorf("provider %q is not supported (use anthropic, openai, gemini, or ollama)", name)
	}
	return nil
}
