// Package storage defines the Store interface that persists agent runs.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"

	"github.com/jkaninda/sandloop/internal/orchestrator"
)

// Store is the persistence handle shared by the CLI and the gateways.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Runs returns the run repository.
	Runs() orchestrator.RunStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverNone keeps runs in memory only.
const DriverNone = "none"
