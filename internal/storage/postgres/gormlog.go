package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm/logger"
)

// slowQuery is the duration above which GORM reports a statement.
const slowQuery = 200 * time.Millisecond

// NewGormLogger routes GORM's slow-query and error reports to logger.
// Both storage backends use it.
func NewGormLogger(l *slog.Logger) logger.Interface {
	return logger.New(gormWriter{l}, logger.Config{
		SlowThreshold:             slowQuery,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// gormWriter satisfies logger.Writer. At LogLevel Warn GORM only prints
// slow statements and errors, so everything is logged as a warning.
type gormWriter struct{ l *slog.Logger }

func (w gormWriter) Printf(format string, args ...any) {
	w.l.Warn("sql", slog.String("detail", fmt.Sprintf(format, args...)))
}
