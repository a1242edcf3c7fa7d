// Package security implements the cost ledger and the egress filter that
// guard every agent run: the BudgetManager stops a run once its spend
// crosses the ceiling, and the EgressFilter keeps context copies and
// secret-shaped strings from leaving the sandbox.
package security

import "errors"

// Sentinel errors for security enforcement.
var (
	ErrBudgetExceeded = errors.New("budget limit exceeded")
	ErrDataLeak       = errors.New("potential data leak blocked")
)
