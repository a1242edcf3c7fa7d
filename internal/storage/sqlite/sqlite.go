// Package sqlite persists runs in a single SQLite file through GORM, using
// the pure Go glebarez/sqlite driver so the binary builds without CGO.
// The schema and repository are shared with the postgres package.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/sandloop/internal/orchestrator"
	"github.com/jkaninda/sandloop/internal/storage"
	pgstore "github.com/jkaninda/sandloop/internal/storage/postgres"
)

// busyTimeout is how long a writer waits on a locked database, in milliseconds.
const busyTimeout = 5000

var journalModes = map[string]bool{
	"wal": true, "delete": true, "truncate": true, "persist": true, "memory": true, "off": true,
}

// Config selects the database file and its journal mode ("wal" when empty).
type Config struct {
	Path        string
	JournalMode string
}

// Store is the SQLite run store.
type Store struct {
	db   *gorm.DB
	path string
	runs orchestrator.RunStore
}

var _ storage.Store = (*Store)(nil)

// Open creates the parent directory if needed and opens the database.
// Call Migrate before first use.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	mode := strings.ToLower(cfg.JournalMode)
	if mode == "" {
		mode = "wal"
	}
	if !journalModes[mode] {
		return nil, fmt.Errorf("unsupported sqlite journal mode %q", cfg.JournalMode)
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating run database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dataSource(cfg.Path, mode)), &gorm.Config{
		Logger:  pgstore.NewGormLogger(logger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening run database %s: %w", cfg.Path, err)
	}

	logger.Info("run store ready",
		slog.String("driver", storage.DriverSQLite),
		slog.String("path", cfg.Path),
		slog.String("journal_mode", mode),
	)
	return &Store{db: db, path: cfg.Path, runs: pgstore.NewRunRepository(db)}, nil
}

// dataSource appends the connection pragmas understood by the driver.
func dataSource(path, journalMode string) string {
	pragmas := []string{
		"journal_mode(" + journalMode + ")",
		fmt.Sprintf("busy_timeout(%d)", busyTimeout),
		"foreign_keys(ON)",
	}
	return path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
}

// Migrate creates or updates the runs and run_steps tables.
func (s *Store) Migrate(_ context.Context) error {
	if err := s.db.AutoMigrate(pgstore.Models()...); err != nil {
		return fmt.Errorf("migrating %s: %w", s.path, err)
	}
	return nil
}

// Runs returns the repository shared with the postgres backend; the GORM
// dialect absorbs the SQL differences.
func (s *Store) Runs() orchestrator.RunStore { return s.runs }

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }
