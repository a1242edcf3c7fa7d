package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func skipIfNoPython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available, skipping process sandbox test")
	}
}

func newTestProcessSandbox(t *testing.T, timeout time.Duration) *ProcessSandbox {
	t.Helper()
	skipIfNoPython(t)
	path, _ := exec.LookPath("python3")
	return NewProcessSandbox(ProcessConfig{Python: path, Timeout: timeout}, discardLogger())
}

func TestProcessSandbox_Stdout(t *testing.T) {
	s := newTestProcessSandbox(t, 10*time.Second)
	res, err := s.Execute(context.Background(), ExecutionRequest{Code: "print(2 + 2)"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "4" || !res.Success() {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestProcessSandbox_NonZeroExit(t *testing.T) {
	s := newTestProcessSandbox(t, 10*time.Second)
	res, err := s.Execute(context.Background(), ExecutionRequest{Code: "import sys\nsys.stderr.write('bad')\nsys.exit(3)"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 || res.Stderr != "bad" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestProcessSandbox_TruncatesStderr(t *testing.T) {
	s := newTestProcessSandbox(t, 10*time.Second)
	res, err := s.Execute(context.Background(), ExecutionRequest{Code: "import sys\nsys.stderr.write('e' * 50000)\nsys.exit(1)"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Stderr, "[TRUNCATED") || len(res.Stderr) > DefaultMaxStdoutBytes {
		t.Errorf("stderr not truncated: %d bytes", len(res.Stderr))
	}
}

func TestProcessSandbox_Timeout(t *testing.T) {
	s := newTestProcessSandbox(t, 500*time.Millisecond)
	res, err := s.Execute(context.Background(), ExecutionRequest{Code: "import time\ntime.sleep(10)"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TimedOut || res.ExitCode != TimeoutExitCode {
		t.Errorf("expected timeout, got %+v", res)
	}
}

func TestProcessSandbox_BlockedImport(t *testing.T) {
	s := newTestProcessSandbox(t, 10*time.Second)
	res, err := s.Execute(context.Background(), ExecutionRequest{Code: "import subprocess"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success() || !strings.Contains(res.Stderr, "blocked for security reasons") {
		t.Errorf("import not blocked: %+v", res)
	}
}

func TestProcessSandbox_ContextAccessor(t *testing.T) {
	s := newTestProcessSandbox(t, 10*time.Second)
	path := filepath.Join(t.TempDir(), "ctx.txt")
	content := "alpha\nbeta needle\ngamma\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	code := "print(ctx.size)\nprint(ctx.search('needle')[0][0])\nprint(ctx.head(5))"
	res, err := s.Execute(context.Background(), ExecutionRequest{Code: code, ContextPath: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "24\n11\nalpha\n"
	if res.Stdout != want {
		t.Errorf("stdout = %q, want %q (stderr %q)", res.Stdout, want, res.Stderr)
	}
}
