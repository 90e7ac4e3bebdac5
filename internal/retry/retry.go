// Package retry retries deliveries with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration. The yaml form is embedded in sink
// definitions.
type Config struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Jitter          float64       `yaml:"jitter"` // ±fraction, 0.2 = ±20%
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Jitter:          0.2,
	}
}

// Validate rejects configurations Do cannot honour.
func (c Config) Validate() error {
	var errs []error
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("maxAttempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.InitialInterval < 0 {
		errs = append(errs, fmt.Errorf("initialInterval must not be negative, got %s", c.InitialInterval))
	}
	if c.MaxInterval < c.InitialInterval {
		errs = append(errs, fmt.Errorf("maxInterval %s is below initialInterval %s", c.MaxInterval, c.InitialInterval))
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("jitter must be in [0, 1), got %g", c.Jitter))
	}
	return errors.Join(errs...)
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent returns true if the error is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Notify is called before sleeping after a failed attempt. attempt counts
// from 1.
type Notify func(attempt int, err error, backoff time.Duration)

// Do calls fn until it succeeds, returns a PermanentError, MaxAttempts is
// exhausted or ctx is done. The last error from fn is returned, or ctx.Err()
// if the context ends while waiting.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error, notify ...Notify) error {
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := range attempts {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || attempt == attempts-1 {
			return lastErr
		}

		backoff := calcBackoff(attempt, cfg)
		for _, n := range notify {
			n(attempt+1, lastErr, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func calcBackoff(attempt int, cfg Config) time.Duration {
	backoff := float64(cfg.InitialInterval) * math.Pow(2, float64(attempt))
	if backoff > float64(cfg.MaxInterval) {
		backoff = float64(cfg.MaxInterval)
	}
	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter
		backoff = backoff - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(backoff)
}
