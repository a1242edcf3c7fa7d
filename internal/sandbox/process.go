package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

const (
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512
)

// ProcessConfig configures the process-based runner.
type ProcessConfig struct {
	Python         string // Interpreter, default "python3".
	Timeout        time.Duration
	MaxCPUSeconds  int // ulimit -t
	MaxMemoryMB    int // ulimit -v
	MaxStdoutBytes int
}

// ProcessSandbox runs scripts as host processes. It offers no network or
// filesystem isolation and exists for development machines without Docker.
//
// What it does enforce:
//   - Each execution gets its own temp directory (removed after)
//   - The interpreter runs in its own process group, killed as a whole on timeout
//   - No environment inheritance from the parent, only a minimal safe set
//   - CPU and virtual memory limits via ulimit
//   - stdout/stderr capped
type ProcessSandbox struct {
	cfg    ProcessConfig
	logger *slog.Logger
}

var _ Sandbox = (*ProcessSandbox)(nil)

// NewProcessSandbox creates a process runner.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxCPUSeconds <= 0 {
		cfg.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.MaxMemoryMB <= 0 {
		cfg.MaxMemoryMB = defaultMemoryMB
	}
	if cfg.MaxStdoutBytes <= 0 {
		cfg.MaxStdoutBytes = DefaultMaxStdoutBytes
	}
	logger.Warn("process sandbox enabled, scripts run on the host without isolation")
	return &ProcessSandbox{cfg: cfg, logger: logger}
}

// Execute runs req.Code with the host interpreter.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	// 1. Validate the context file.
	contextPath := ""
	if req.ContextPath != "" {
		var err error
		if contextPath, err = validateContext(req.ContextPath); err != nil {
			return nil, err
		}
	}

	// 2. Create isolated temp directory holding the script.
	tmpDir, err := os.MkdirTemp("", "sandloop-proc-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			s.logger.Warn("failed to remove sandbox temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()
	scriptPath := filepath.Join(tmpDir, "script.py")
	if err := os.WriteFile(scriptPath, []byte(buildScript(req.Code, contextPath != "")), 0o600); err != nil {
		return nil, fmt.Errorf("writing script file: %w", err)
	}

	// 3. Apply timeout.
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	// 4. Wrap with ulimit. The interpreter and script path are positional
	// parameters, never interpolated into the shell string.
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		s.cfg.MaxMemoryMB*1024, s.cfg.MaxCPUSeconds,
	)
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", shellScript, "_", s.cfg.Python, scriptPath)
	cmd.Dir = tmpDir

	// 5. Process group isolation; kill the whole group on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// 6. Sanitized environment, no inheritance from the host process.
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
	}
	if contextPath != "" {
		cmd.Env = append(cmd.Env, contextEnv+"="+contextPath)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxCaptureBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxCaptureBytes}

	start := time.Now()
	runErr := cmd.Run()
	result := &ExecutionResult{Duration: time.Since(start)}

	// 7. Interpret the result. A non-zero exit is a result, not an error.
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		case runCtx.Err() != nil:
			s.logger.WarnContext(ctx, "process sandbox timed out", slog.Duration("timeout", s.cfg.Timeout))
			result.TimedOut = true
			result.ExitCode = TimeoutExitCode
		case errors.As(runErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	result.Stdout = truncateOutput(stdoutBuf.String(), s.cfg.MaxStdoutBytes)
	result.Stderr = truncateOutput(stderrBuf.String(), s.cfg.MaxStdoutBytes)

	s.logger.DebugContext(ctx, "process sandbox completed",
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("timed_out", result.TimedOut),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}
