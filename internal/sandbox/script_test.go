package sandbox

import (
	"strings"
	"testing"
)

func TestBuildScript(t *testing.T) {
	s := buildScript("print(1)", false)
	guard := strings.Index(s, "sys.meta_path.insert")
	user := strings.Index(s, "print(1)")
	if guard < 0 || user < 0 || guard > user {
		t.Fatalf("guard must precede user code:\n%s", s)
	}
	for _, mod := range []string{"subprocess", "multiprocessing", "ctypes", "cffi"} {
		if !strings.Contains(s, "'"+mod+"'") {
			t.Errorf("%s not blocked", mod)
		}
	}

	s = buildScript("print(ctx.size)\n", true)
	if !strings.Contains(s, "ctx = ContextHandle(") {
		t.Error("context accessor missing")
	}
	if strings.Index(s, "ctx = ContextHandle(") > strings.Index(s, "print(ctx.size)") {
		t.Error("accessor must be defined before user code")
	}
	if strings.HasSuffix(s, "\n\n") {
		t.Error("trailing newline duplicated")
	}
}

func TestTruncateOutput(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"under limit", "short", 10, "short"},
		{"exact limit", strings.Repeat("x", 10), 10, strings.Repeat("x", 10)},
		{"no limit", strings.Repeat("x", 50_000), 0, strings.Repeat("x", 50_000)},
		{"shorter than head+tail", strings.Repeat("x", 3500), 100, strings.Repeat("x", 3500)},
		{
			"head and tail kept",
			strings.Repeat("h", 1000) + strings.Repeat("-", 500) + strings.Repeat("t", 3000),
			4000,
			strings.Repeat("h", 1000) + "\n... [TRUNCATED 500 bytes] ...\n" + strings.Repeat("t", 3000),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateOutput(tt.in, tt.limit); got != tt.want {
				t.Errorf("truncateOutput() len %d, want len %d", len(got), len(tt.want))
			}
		})
	}
}

func TestResultWithStdout(t *testing.T) {
	r := &ExecutionResult{Stdout: "raw", ExitCode: 1}
	f := r.WithStdout("filtered")
	if r.Stdout != "raw" {
		t.Error("original mutated")
	}
	if f.Stdout != "filtered" || f.ExitCode != 1 {
		t.Errorf("copy = %+v", f)
	}
}

func TestResultSuccess(t *testing.T) {
	tests := []struct {
		r    ExecutionResult
		want bool
	}{
		{ExecutionResult{}, true},
		{ExecutionResult{ExitCode: 1}, false},
		{ExecutionResult{TimedOut: true}, false},
		{ExecutionResult{OOMKilled: true}, false},
	}
	for _, tt := range tests {
		if got := tt.r.Success(); got != tt.want {
			t.Errorf("%+v.Success() = %v, want %v", tt.r, got, tt.want)
		}
	}
}
