// Package gateway defines the interface for the entry points that start runs.
package gateway

import "context"

// Gateway is an entry point serving runs (HTTP API, MCP over stdio).
type Gateway interface {
	// Start serves until the gateway exits or the context is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight runs should drain before returning.
	Stop(ctx context.Context) error
}
