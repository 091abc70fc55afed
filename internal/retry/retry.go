// Package retry re-runs failed operations with linear or exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "automation-engine/internal/errors"
)

// Strategy selects how the wait grows between attempts.
type Strategy string

const (
	Linear      Strategy = "LINEAR"
	Exponential Strategy = "EXPONENTIAL"
)

// Policy describes how many times to retry and how long to wait in between.
type Policy struct {
	MaxRetries      int           `yaml:"max_retries" json:"maxRetries" validate:"gte=0,lte=20"`
	BackoffStrategy Strategy      `yaml:"backoff_strategy" json:"backoffStrategy" validate:"omitempty,oneof=LINEAR EXPONENTIAL"`
	InitialDelay    time.Duration `yaml:"initial_delay" json:"initialDelay" validate:"gte=0"`
	MaxDelay        time.Duration `yaml:"max_delay" json:"maxDelay" validate:"gte=0"`
}

// DefaultPolicy returns the engine-wide default policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		BackoffStrategy: Exponential,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
	}
}

// Validate checks the policy for internal consistency.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	switch p.BackoffStrategy {
	case "", Linear, Exponential:
	default:
		return fmt.Errorf("unknown backoff strategy: %s", p.BackoffStrategy)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must be non-negative")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return fmt.Errorf("initial delay %s exceeds max delay %s", p.InitialDelay, p.MaxDelay)
	}
	return nil
}

// Delay returns the wait before retry n, where n=1 is the first retry.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.InitialDelay <= 0 {
		return 0
	}

	var d time.Duration
	switch p.BackoffStrategy {
	case Linear:
		d = p.InitialDelay * time.Duration(n)
	default:
		d = p.InitialDelay
		for i := 1; i < n; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				break
			}
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Operation is a single attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Outcome reports what happened across all attempts.
type Outcome struct {
	Attempts int
	Waits    []time.Duration
	Err      error
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Controller runs operations under a Policy.
type Controller struct {
	logger *slog.Logger
	wait   func(ctx context.Context, d time.Duration) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithWaitFunc replaces the timer-based wait, mainly for tests.
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if fn != nil {
			c.wait = fn
		}
	}
}

// NewController creates a Controller.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		logger: slog.Default(),
		wait:   sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes op until it succeeds, fails permanently, or the policy's
// retries are used up. The returned error is the last failure, wrapped as
// MAX_RETRIES_EXCEEDED when at least one retry was allowed.
func (c *Controller) Run(ctx context.Context, p Policy, op Operation) Outcome {
	var out Outcome
	maxAttempts := p.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return out
		}

		if IsPermanent(lastErr) {
			out.Err = lastErr
			return out
		}

		if attempt == maxAttempts {
			break
		}

		delay := p.Delay(attempt)
		c.logger.Debug("operation failed, retrying",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", apperrors.SafeMessage(lastErr),
		)

		out.Waits = append(out.Waits, delay)
		if err := c.wait(ctx, delay); err != nil {
			out.Err = errors.Join(lastErr, fmt.Errorf("retry interrupted: %w", err))
			return out
		}
	}

	if p.MaxRetries > 0 {
		out.Err = apperrors.MaxRetriesExceeded(out.Attempts, lastErr)
	} else {
		out.Err = lastErr
	}
	return out
}
