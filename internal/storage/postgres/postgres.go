// Package postgres stores runs in PostgreSQL through GORM. The GORM models
// live here and are reused by the sqlite package; orchestrator types stay
// free of ORM tags.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jkaninda/sandloop/internal/orchestrator"
	"github.com/jkaninda/sandloop/internal/storage"
)

// Pool defaults, applied when the corresponding Config field is zero.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// Config is the connection string plus pool tuning.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// ParseDSN validates a URL or key=value connection string without dialing
// and returns the host and database it targets.
func ParseDSN(dsn string) (host, database string, err error) {
	if dsn == "" {
		return "", "", fmt.Errorf("postgres dsn is required")
	}
	cc, err := pgx.ParseConfig(dsn)
	if err != nil {
		return "", "", fmt.Errorf("parsing postgres dsn: %w", err)
	}
	return cc.Host, cc.Database, nil
}

// Store is the PostgreSQL run store.
type Store struct {
	db   *gorm.DB
	runs orchestrator.RunStore
}

var _ storage.Store = (*Store)(nil)

// Open connects and sizes the pool. Call Migrate before first use.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	host, database, err := ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewGormLogger(logger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres at %s: %w", host, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres connection pool: %w", err)
	}
	maxOpen := orDefault(cfg.MaxOpenConns, defaultMaxOpenConns)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, defaultMaxIdleConns))
	sqlDB.SetConnMaxLifetime(orDefault(cfg.ConnMaxLifetime, defaultConnMaxLifetime))
	sqlDB.SetConnMaxIdleTime(orDefault(cfg.ConnMaxIdleTime, defaultConnMaxIdleTime))

	logger.Info("run store ready",
		slog.String("driver", storage.DriverPostgres),
		slog.String("host", host),
		slog.String("database", database),
		slog.Int("max_open_conns", maxOpen),
	)
	return &Store{db: db, runs: NewRunRepository(db)}, nil
}

// Migrate creates or updates the runs and run_steps tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrating postgres schema: %w", err)
	}
	return nil
}

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

func (s *Store) Driver() string { return storage.DriverPostgres }
