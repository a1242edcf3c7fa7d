// Package sandbox runs untrusted Python inside an isolated, resource-limited
// environment. Every execution is one-shot: create, run, collect, tear down.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Infrastructure errors. They are returned before any container exists and
// mean the sandbox itself is unusable, not that the submitted code failed.
var (
	ErrDaemonUnavailable = errors.New("container daemon unavailable")
	ErrImageUnavailable  = errors.New("sandbox image unavailable")
	ErrInsecureRuntime   = errors.New("hardened runtime required but not available")
)

// TimeoutExitCode is reported when the execution is killed at its deadline.
const TimeoutExitCode = 124

// Sandbox executes code in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest is a single script to run.
type ExecutionRequest struct {
	// Code is the Python source submitted by the model.
	Code string

	// ContextPath is an optional host file mounted read-only at /mnt/context.
	ContextPath string
}

// ExecutionResult captures the outcome of one execution. Code failures
// (non-zero exit, timeout, OOM) are reported here, not as errors.
type ExecutionResult struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	OOMKilled bool          `json:"oom_killed"`
	Duration  time.Duration `json:"duration"`
}

// Success reports a clean exit.
func (r *ExecutionResult) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.OOMKilled
}

// WithStdout returns a copy of r with stdout replaced.
func (r *ExecutionResult) WithStdout(stdout string) *ExecutionResult {
	cp := *r
	cp.Stdout = stdout
	return &cp
}

// ContainerError is a failure of the container itself (create, start or the
// runtime reporting an error), as opposed to the script exiting non-zero.
type ContainerError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ContainerError) Error() string {
	msg := fmt.Sprintf("container failed (exit %d)", e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ContainerError) Unwrap() error { return e.Err }

// IsInfrastructure reports whether err means the sandbox cannot run at all.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrDaemonUnavailable) ||
		errors.Is(err, ErrImageUnavailable) ||
		errors.Is(err, ErrInsecureRuntime)
}

// SecurityReport is the result of a configuration self-check.
type SecurityReport struct {
	DockerAvailable bool   `json:"docker_available"`
	GVisorAvailable bool   `json:"gvisor_available"`
	NetworkDisabled bool   `json:"network_disabled"`
	MemoryLimited   bool   `json:"memory_limited"`
	PIDsLimited     bool   `json:"pids_limited"`
	Runtime         string `json:"runtime,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Secure reports whether every check passed.
func (r SecurityReport) Secure() bool {
	return r.DockerAvailable && r.GVisorAvailable && r.NetworkDisabled && r.MemoryLimited && r.PIDsLimited
}

// Checks returns the report as named booleans, in a stable order.
func (r SecurityReport) Checks() []Check {
	return []Check{
		{"docker_available", r.DockerAvailable},
		{"gvisor_available", r.GVisorAvailable},
		{"network_disabled", r.NetworkDisabled},
		{"memory_limited", r.MemoryLimited},
		{"pids_limited", r.PIDsLimited},
	}
}

// Check is one named security check.
type Check struct {
	Name string
	OK   bool
}
