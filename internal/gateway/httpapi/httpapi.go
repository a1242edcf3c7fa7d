// Package httpapi serves runs over HTTP: POST /v1/runs blocks until the run
// ends, GET /v1/runs/ws streams its steps over a WebSocket.
//
// Every /v1 route requires a Bearer API key, matched by SHA-256 digest in
// constant time, and is throttled per user. Bodies are capped at 1 MB by
// default. TLS terminates at a reverse proxy.
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandloop/internal/contextfile"
	"github.com/jkaninda/sandloop/internal/gateway"
	"github.com/jkaninda/sandloop/internal/observability"
	"github.com/jkaninda/sandloop/internal/orchestrator"
	"github.com/jkaninda/sandloop/internal/ratelimit"
	"github.com/jkaninda/sandloop/internal/sandbox"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	defaultRunTimeout     = 10 * time.Minute
)

// ErrorBody documents error responses in the OpenAPI spec.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config holds the listener, auth and instrumentation settings. Zero
// MaxRequestSize and RunTimeout select 1 MB and 10 minutes.
type Config struct {
	ListenAddr     string
	EnableDocs     bool
	APIKeys        map[string]string // hex sha256(key) -> user ID
	MaxRequestSize int64
	RunTimeout     time.Duration
	ContextRoots   *contextfile.Roots // nil rejects every context_path

	MetricsRegistry *prometheus.Registry // served at MetricsPath ("/metrics") when set
	MetricsPath     string
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
}

// Runner executes one run. onStep is nil unless the client streams steps.
type Runner func(ctx context.Context, req RunRequest, onStep orchestrator.StepFunc) *orchestrator.Result

// SecurityReporter runs the sandbox self-check.
type SecurityReporter func(ctx context.Context) sandbox.SecurityReport

// Gateway serves the run API.
type Gateway struct {
	config   Config
	runner   Runner
	runs     orchestrator.RunStore
	security SecurityReporter
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	routesOnce sync.Once
	okapi      *okapi.Okapi
	group      *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway wires the gateway; routes are registered on first Handler or Start.
func NewGateway(cfg Config, runner Runner, runs orchestrator.RunStore, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	return &Gateway{
		config:  cfg,
		runner:  runner,
		runs:    runs,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithSecurityReport enables GET /v1/security.
func (g *Gateway) WithSecurityReport(fn SecurityReporter) *Gateway {
	g.security = fn
	return g
}

// WithOpenAPIDocs serves the generated OpenAPI document.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sandloop",
			Version: "v0.1.0",
		},
	)
	return g
}

// Handler registers the routes on first use and returns the router.
func (g *Gateway) Handler() http.Handler {
	g.routesOnce.Do(g.routes)
	return g.okapi
}

func (g *Gateway) routes() {
	// Registered ahead of the /v1 group so /runs/{id} does not capture it.
	// Authenticates inside the handler since the upgrade needs the raw writer.
	g.okapi.HandleStd("GET", "/v1/runs/ws", g.handleRunStream)

	middlewares := []okapi.Middleware{g.authenticate, g.throttle}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append([]okapi.Middleware{observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer)}, middlewares...)
	}
	g.group = g.okapi.Group("/v1", middlewares...)

	g.group.Post("/runs", g.handleRunCreate,
		okapi.DocSummary("Start a run and wait for its result"),
		okapi.DocTags("Runs"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(orchestrator.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/runs", g.handleRunList,
		okapi.DocSummary("List recent runs, newest first"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]orchestrator.RunSummary{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/runs/{id}", g.handleRunGet,
		okapi.DocSummary("Get a run with its steps"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(orchestrator.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/security", g.handleSecurity,
		okapi.DocSummary("Run the sandbox security self-check"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(SecurityResponse{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)

	// Probes and metrics are unauthenticated.
	g.okapi.Get("/healthz", func(c *okapi.Context) error { return c.OK(&HealthResponse{Status: "ok"}) })
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.Handler()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Runs block the response until they finish.
		WriteTimeout: g.config.RunTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("serving run api", slog.String("addr", g.config.ListenAddr), slog.Duration("run_timeout", g.config.RunTimeout))
	return g.okapi.StartServer(g.server)
}

// Stop drains in-flight requests.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("run api shutting down")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleReadiness answers 503 while the store or sandbox daemon is unreachable.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	if !status.OK() {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.OK(status)
}

// --- Authentication ---

// HashAPIKey returns the digest under which an API key is configured.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// authorize maps the Bearer token of r to a user ID.
func (g *Gateway) authorize(r *http.Request) (string, bool) {
	key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || key == "" {
		return "", false
	}
	digest := []byte(HashAPIKey(key))

	userID := ""
	for hash, user := range g.config.APIKeys {
		if subtle.ConstantTimeCompare(digest, []byte(strings.ToLower(hash))) == 1 {
			userID = user
		}
	}
	return userID, userID != ""
}

// authenticate validates the API key and stores the mapped user ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID, ok := g.authorize(c.Request())
		if !ok {
			return c.AbortUnauthorized("a valid Bearer API key is required")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// throttle applies the per-user rate limit.
func (g *Gateway) throttle(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if !g.allow(c.Response(), c.GetString("userID")) {
			return c.AbortTooManyRequests("too many runs, retry later")
		}
		return next(c)
	}
}

// allow reserves a token for userID and sets the rate limit headers.
func (g *Gateway) allow(w http.ResponseWriter, userID string) bool {
	if g.limiter == nil {
		return true
	}
	d := g.limiter.Reserve(userID)
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		return false
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	return true
}
