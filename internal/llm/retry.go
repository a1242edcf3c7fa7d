package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
)

// RetryConfig configures RetryProvider.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// DefaultRetryConfig retries transient failures three times with exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// errPermanent tags failures that must not be retried.
var errPermanent = errors.New("permanent provider error")

// permanentError carries the original error while matching errPermanent.
type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() []error { return []error{errPermanent, e.err} }

// RetryProvider retries a provider on transient failures only. Any other
// error is returned after the first attempt.
type RetryProvider struct {
	next    Provider
	retrier retry.Retry[*Response]
	logger  *slog.Logger
}

var _ Provider = (*RetryProvider)(nil)

// NewRetryProvider wraps next with retries.
func NewRetryProvider(next Provider, cfg RetryConfig, logger *slog.Logger) *RetryProvider {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	return &RetryProvider{
		next: next,
		retrier: retry.New[*Response](retry.Config{
			MaxAttempts:        cfg.MaxAttempts,
			InitialDelay:       cfg.InitialDelay,
			BackoffPolicy:      retry.BackoffExponential,
			Multiplier:         cfg.Multiplier,
			NonRetryableErrors: []error{errPermanent},
		}),
		logger: logger,
	}
}

func (r *RetryProvider) Name() string { return r.next.Name() }

// SendMessage forwards to the wrapped provider, retrying transient errors.
func (r *RetryProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	attempt := 0
	resp, err := r.retrier.Do(ctx, func(ctx context.Context) (*Response, error) {
		attempt++
		resp, err := r.next.SendMessage(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrTransient) {
			return nil, &permanentError{err: err}
		}
		r.logger.WarnContext(ctx, "transient provider error",
			slog.String("provider", r.next.Name()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return nil, err
	})
	if err != nil {
		var pe *permanentError
		if errors.As(err, &pe) {
			return nil, pe.err
		}
		return nil, err
	}
	return resp, nil
}
