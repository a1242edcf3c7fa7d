package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"

	"github.com/jkaninda/sandloop/internal/contextfile"
)

const (
	DefaultImage          = "python:3.11-slim"
	DefaultTimeout        = 30 * time.Second
	DefaultMemory         = "512m"
	DefaultCPUs           = 1.0
	DefaultPIDsLimit      = 50
	DefaultMaxStdoutBytes = 10_000

	RuntimeAuto   = "auto"
	RuntimeGVisor = "runsc"
	RuntimeRunc   = "runc"

	// cleanupTimeout bounds the best-effort kill and remove calls, which run
	// on a fresh context so a cancelled run still tears its container down.
	cleanupTimeout = 10 * time.Second
)

// DockerConfig configures the container sandbox. Zero values take defaults.
type DockerConfig struct {
	Image          string        // Container image with python3 on PATH.
	Timeout        time.Duration // Wall-clock limit per execution.
	Memory         string        // Hard memory limit, e.g. "512m". Swap is disabled.
	CPUs           float64       // CPU quota in cores.
	PIDsLimit      int64         // Fork bomb protection.
	NetworkEnabled bool          // false = no network stack at all.
	Runtime        string        // auto, runsc or runc.
	MaxStdoutBytes int           // Longer stdout and stderr are truncated head+tail.
	User           string        // Optional uid:gid to run as.

	// AllowUnsafeRuntime permits falling back to runc when runsc was
	// requested explicitly but is not installed.
	AllowUnsafeRuntime bool
}

func (c DockerConfig) withDefaults() DockerConfig {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Memory == "" {
		c.Memory = DefaultMemory
	}
	if c.CPUs <= 0 {
		c.CPUs = DefaultCPUs
	}
	if c.PIDsLimit <= 0 {
		c.PIDsLimit = DefaultPIDsLimit
	}
	if c.Runtime == "" {
		c.Runtime = RuntimeAuto
	}
	if c.MaxStdoutBytes <= 0 {
		c.MaxStdoutBytes = DefaultMaxStdoutBytes
	}
	return c
}

// memoryBytes parses the memory limit. Bare integers are bytes.
func (c DockerConfig) memoryBytes() (int64, error) {
	raw := strings.TrimSpace(c.Memory)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	return units.RAMInBytes(raw)
}

// DockerSandbox runs each script in its own ephemeral container.
//
// Every container gets:
//   - the gVisor runtime when available (runc with a logged downgrade otherwise)
//   - no network unless explicitly enabled
//   - a hard memory limit with swap disabled, a CPU quota and a PID limit
//   - all capabilities dropped, no-new-privileges and no IPC namespace sharing
//   - a read-only root filesystem with a small tmpfs at /tmp
//   - the script and the context file bind-mounted read-only
//
// The container and the temp script are removed on every path.
type DockerSandbox struct {
	cfg         DockerConfig
	memoryLimit int64
	engine      engine
	logger      *slog.Logger

	runtimeOnce sync.Once
	runtime     string
	runtimeErr  error
}

var _ Sandbox = (*DockerSandbox)(nil)

// NewDockerSandbox validates cfg and connects a Docker API client from the
// environment. The daemon is not contacted until the first execution.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) (*DockerSandbox, error) {
	eng, err := newDockerEngine()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDaemonUnavailable, err)
	}
	s, err := newDockerSandbox(cfg, eng, logger)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	return s, nil
}

func newDockerSandbox(cfg DockerConfig, eng engine, logger *slog.Logger) (*DockerSandbox, error) {
	cfg = cfg.withDefaults()
	mem, err := cfg.memoryBytes()
	if err != nil {
		return nil, fmt.Errorf("invalid sandbox memory limit %q: %w", cfg.Memory, err)
	}
	if mem <= 0 {
		return nil, fmt.Errorf("invalid sandbox memory limit %q: must be positive", cfg.Memory)
	}
	switch cfg.Runtime {
	case RuntimeAuto, RuntimeGVisor, RuntimeRunc:
	default:
		return nil, fmt.Errorf("invalid sandbox runtime %q: want auto, runsc or runc", cfg.Runtime)
	}
	if cfg.NetworkEnabled {
		logger.Warn("sandbox network access enabled, containers can reach the network")
	}
	return &DockerSandbox{
		cfg:         cfg,
		memoryLimit: mem,
		engine:      eng,
		logger:      logger,
	}, nil
}

// Config returns the resolved configuration.
func (s *DockerSandbox) Config() DockerConfig { return s.cfg }

// Close releases the API client.
func (s *DockerSandbox) Close() error { return s.engine.Close() }

// Execute runs req.Code as a Python script in a fresh container.
func (s *DockerSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	// 1. Daemon and image must be usable before anything is created.
	if err := s.ensureImage(ctx); err != nil {
		return nil, err
	}

	// 2. Runtime, resolved once per sandbox.
	runtime, err := s.resolveRuntime(ctx)
	if err != nil {
		return nil, err
	}

	// 3. Validate and resolve the context file.
	contextPath := ""
	if req.ContextPath != "" {
		contextPath, err = validateContext(req.ContextPath)
		if err != nil {
			return nil, err
		}
	}

	// 4. Write the script to a temp file the container can read.
	scriptPath, err := writeScript(buildScript(req.Code, contextPath != ""))
	if err != nil {
		return nil, fmt.Errorf("execution failed: %w", err)
	}
	defer func() {
		if rmErr := os.Remove(scriptPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("failed to remove sandbox script",
				slog.String("path", scriptPath),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	// 5. Create and start the container.
	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}
	cfg, hostCfg := s.containerConfig(runtime, scriptPath, contextPath)

	id, err := s.engine.Create(ctx, cfg, hostCfg, name)
	if err != nil {
		return nil, &ContainerError{ExitCode: -1, Err: fmt.Errorf("create: %w", err)}
	}
	defer s.removeContainer(id)

	s.logger.DebugContext(ctx, "sandbox executing",
		slog.String("container", name),
		slog.String("image", s.cfg.Image),
		slog.String("runtime", runtime),
		slog.Bool("network", s.cfg.NetworkEnabled),
		slog.String("memory", s.cfg.Memory),
		slog.Duration("timeout", s.cfg.Timeout),
	)

	start := time.Now()
	if err := s.engine.Start(ctx, id); err != nil {
		return nil, &ContainerError{ExitCode: -1, Err: fmt.Errorf("start: %w", err)}
	}

	// 6. Wait up to the timeout; kill on expiry.
	result := &ExecutionResult{}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	status, message, waitErr := s.engine.Wait(waitCtx, id)
	cancel()
	result.Duration = time.Since(start)

	switch {
	case waitErr == nil:
		result.ExitCode = int(status)
	case ctx.Err() != nil:
		s.killContainer(id)
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case errors.Is(waitErr, context.DeadlineExceeded):
		s.logger.WarnContext(ctx, "sandbox execution timed out, killing container",
			slog.String("container", name),
			slog.Duration("timeout", s.cfg.Timeout),
		)
		s.killContainer(id)
		result.TimedOut = true
		result.ExitCode = TimeoutExitCode
	default:
		return nil, fmt.Errorf("execution failed: %w", waitErr)
	}

	// 7. Collect output and OOM state on a context that survives the timeout.
	collectCtx, cancelCollect := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancelCollect()

	stdout, stderr, err := bufferedLogs(collectCtx, s.engine, id)
	if err != nil {
		return nil, fmt.Errorf("execution failed: reading logs: %w", err)
	}
	if message != "" {
		return nil, &ContainerError{
			ExitCode: result.ExitCode,
			Stderr:   truncateOutput(stderr, s.cfg.MaxStdoutBytes),
			Err:      errors.New(message),
		}
	}
	result.OOMKilled, err = s.engine.OOMKilled(collectCtx, id)
	if err != nil {
		return nil, fmt.Errorf("execution failed: inspecting container: %w", err)
	}

	// 8. Bound what is handed back to the model.
	result.Stdout = truncateOutput(stdout, s.cfg.MaxStdoutBytes)
	result.Stderr = truncateOutput(stderr, s.cfg.MaxStdoutBytes)

	s.logger.DebugContext(ctx, "sandbox execution completed",
		slog.String("container", name),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("timed_out", result.TimedOut),
		slog.Bool("oom_killed", result.OOMKilled),
		slog.Duration("duration", result.Duration),
		slog.Int("stdout_bytes", len(stdout)),
		slog.Int("stderr_bytes", len(stderr)),
	)
	return result, nil
}

// ensureImage pings the daemon and pulls the image if it is missing.
func (s *DockerSandbox) ensureImage(ctx context.Context) error {
	if err := s.engine.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrDaemonUnavailable, err)
	}
	if s.engine.ImageExists(ctx, s.cfg.Image) {
		return nil
	}
	s.logger.InfoContext(ctx, "pulling sandbox image", slog.String("image", s.cfg.Image))
	if err := s.engine.PullImage(ctx, s.cfg.Image); err != nil {
		return fmt.Errorf("%w (%s): %w", ErrImageUnavailable, s.cfg.Image, err)
	}
	return nil
}

// resolveRuntime picks the container runtime once and caches the outcome.
func (s *DockerSandbox) resolveRuntime(ctx context.Context) (string, error) {
	s.runtimeOnce.Do(func() {
		s.runtime, s.runtimeErr = s.detectRuntime(ctx)
	})
	return s.runtime, s.runtimeErr
}

func (s *DockerSandbox) detectRuntime(ctx context.Context) (string, error) {
	if s.cfg.Runtime == RuntimeRunc {
		s.logger.Warn("sandbox configured for runc, gVisor isolation disabled")
		return RuntimeRunc, nil
	}

	runtimes, err := s.engine.Runtimes(ctx)
	if err != nil {
		s.logger.Error("failed to detect container runtimes", slog.String("error", err.Error()))
	}
	if slices.Contains(runtimes, RuntimeGVisor) {
		s.logger.Info("gVisor runtime detected", slog.String("runtime", RuntimeGVisor))
		return RuntimeGVisor, nil
	}

	if s.cfg.Runtime == RuntimeGVisor && !s.cfg.AllowUnsafeRuntime {
		return "", fmt.Errorf("%w: %s is not installed on the daemon", ErrInsecureRuntime, RuntimeGVisor)
	}
	s.logger.Warn("security downgrade: runsc not found, using runc isolation",
		slog.Any("available", runtimes),
	)
	return RuntimeRunc, nil
}

func (s *DockerSandbox) containerConfig(runtime, scriptPath, contextPath string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           s.cfg.Image,
		Cmd:             []string{"python3", scriptMountPath},
		Entrypoint:      []string{},
		WorkingDir:      "/tmp",
		User:            s.cfg.User,
		NetworkDisabled: !s.cfg.NetworkEnabled,
		Env: []string{
			"HOME=/tmp",
			"LANG=C.UTF-8",
			"PYTHONDONTWRITEBYTECODE=1",
			"PYTHONUNBUFFERED=1",
		},
	}

	binds := []string{scriptPath + ":" + scriptMountPath + ":ro"}
	if contextPath != "" {
		binds = append(binds, contextPath+":"+contextMountPath+":ro")
	}

	networkMode := "none"
	if s.cfg.NetworkEnabled {
		networkMode = "bridge"
	}

	pids := s.cfg.PIDsLimit
	hostCfg := &container.HostConfig{
		Binds:          binds,
		NetworkMode:    container.NetworkMode(networkMode),
		Runtime:        runtime,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		IpcMode:        container.IpcMode("none"),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
	}
	hostCfg.Memory = s.memoryLimit
	hostCfg.MemorySwap = s.memoryLimit
	hostCfg.NanoCPUs = int64(math.Round(s.cfg.CPUs * 1_000_000_000))
	hostCfg.PidsLimit = &pids
	return cfg, hostCfg
}

func (s *DockerSandbox) killContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.engine.Kill(ctx, id); err != nil {
		s.logger.Warn("sandbox kill failed", slog.String("container", id), slog.String("error", err.Error()))
	}
}

// removeContainer force-removes the container. Errors are logged, not returned.
func (s *DockerSandbox) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.engine.Remove(ctx, id); err != nil {
		s.logger.Warn("sandbox container remove failed",
			slog.String("container", id),
			slog.String("error", err.Error()),
		)
	}
}

// ValidateSecurity reports how the sandbox is actually configured against
// the daemon it talks to.
func (s *DockerSandbox) ValidateSecurity(ctx context.Context) SecurityReport {
	report := SecurityReport{
		NetworkDisabled: !s.cfg.NetworkEnabled,
		MemoryLimited:   s.memoryLimit > 0,
		PIDsLimited:     s.cfg.PIDsLimit > 0 && s.cfg.PIDsLimit < 100,
	}
	if err := s.engine.Ping(ctx); err != nil {
		report.Error = err.Error()
		return report
	}
	report.DockerAvailable = true

	runtime, err := s.resolveRuntime(ctx)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Runtime = runtime
	report.GVisorAvailable = runtime == RuntimeGVisor
	return report
}

// validateContext checks the context file is readable text and returns its
// absolute path for the bind mount.
func validateContext(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving context path: %w", err)
	}
	h, err := contextfile.Open(abs)
	if err != nil {
		return "", fmt.Errorf("context file: %w", err)
	}
	if err := h.Close(); err != nil {
		return "", fmt.Errorf("context file: %w", err)
	}
	return abs, nil
}

func writeScript(script string) (string, error) {
	f, err := os.CreateTemp("", "sandloop-*.py")
	if err != nil {
		return "", fmt.Errorf("creating script file: %w", err)
	}
	path := f.Name()
	_, werr := f.WriteString(script)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("writing script file: %w", err)
	}
	// The container user is not necessarily the file owner.
	if err := os.Chmod(path, 0o644); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("chmod script file: %w", err)
	}
	return path, nil
}

// generateContainerName returns a unique container name: sandloop-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sandloop-" + hex.EncodeToString(b), nil
}
