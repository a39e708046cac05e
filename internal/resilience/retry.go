package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zakariaf/ragcache/pkg/errors"
)

// RetryConfig contains retry handler settings. The delay before attempt i
// (0-indexed) is InitialDelay × Base^i, clamped to MaxDelay; with Jitter the
// delay is multiplied by a uniform factor in [0.5, 1.5).
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       bool
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Base:         2.0,
		Jitter:       true,
	}
}

// Retrier retries a callable while its failures classify as retryable.
type Retrier struct {
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetrier creates a retry handler.
func NewRetrier(cfg RetryConfig, logger *slog.Logger) *Retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Base < 1 {
		cfg.Base = 2.0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{cfg: cfg, logger: logger}
}

// Do runs op up to MaxAttempts times. Only errors classified retryable are
// retried; the backoff sleep observes ctx and surfaces Cancelled.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	bo := r.newBackOff()

	var err error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			r.logger.Debug("retrying after backoff",
				"attempt", attempt, "delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return errors.Cancelled(ctx.Err())
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return err
		}
	}
	return err
}

// newBackOff builds the schedule: InitialDelay × Base^i clamped to MaxDelay.
// backoff's RandomizationFactor of 0.5 yields the uniform [0.5, 1.5) jitter
// multiplier.
func (r *Retrier) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialDelay
	bo.Multiplier = r.cfg.Base
	bo.MaxInterval = r.cfg.MaxDelay
	bo.MaxElapsedTime = 0
	if r.cfg.Jitter {
		bo.RandomizationFactor = 0.5
	} else {
		bo.RandomizationFactor = 0
	}
	bo.Reset()
	return bo
}

// MaxAttempts returns the configured attempt bound.
func (r *Retrier) MaxAttempts() int { return r.cfg.MaxAttempts }
