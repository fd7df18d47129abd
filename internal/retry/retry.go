// Package retry bounds sink deliveries and state-store writes with capped
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Config bounds a retried operation. MaxAttempts <= 0 retries until ctx is
// done or MaxElapsed has passed.
type Config struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	MaxElapsed      time.Duration `yaml:"maxElapsed,omitempty"`
	Jitter          float64       `yaml:"jitter"`
}

// DefaultConfig returns the bounds used when a bridge sets none.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Jitter:          0.2,
	}
}

// WithDefaults fills unset intervals and jitter. MaxAttempts and MaxElapsed
// are kept as given.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = max(d.MaxInterval, c.InitialInterval)
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	return c
}

// Validate reports bounds that cannot be honored.
func (c Config) Validate() error {
	var errs []error
	if c.InitialInterval < 0 || c.MaxInterval < 0 || c.MaxElapsed < 0 {
		errs = append(errs, errors.New("intervals must not be negative"))
	}
	if c.MaxInterval > 0 && c.MaxInterval < c.InitialInterval {
		errs = append(errs, fmt.Errorf("maxInterval %s is below initialInterval %s", c.MaxInterval, c.InitialInterval))
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("jitter %v must be in [0, 1)", c.Jitter))
	}
	return errors.Join(errs...)
}

// Backoff returns the wait after the given zero-based attempt: the initial
// interval doubled per attempt, capped at MaxInterval, spread by Jitter.
func (c Config) Backoff(attempt int) time.Duration {
	wait := c.InitialInterval
	for i := 0; i < attempt && wait < c.MaxInterval; i++ {
		wait *= 2
	}
	if c.MaxInterval > 0 && wait > c.MaxInterval {
		wait = c.MaxInterval
	}
	if c.Jitter > 0 {
		spread := float64(wait) * c.Jitter
		wait = time.Duration(float64(wait) - spread + rand.Float64()*2*spread)
	}
	return wait
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// IsPermanent reports whether err carries a Permanent mark.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a Permanent error, or the attempt
// or elapsed bounds run out. fn receives the zero-based attempt number. When
// ctx ends during a wait the context error is joined with fn's last error.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		var p permanent
		if errors.As(err, &p) {
			return p.err
		}
		if cfg.MaxAttempts > 0 && attempt+1 >= cfg.MaxAttempts {
			return err
		}

		wait := cfg.Backoff(attempt)
		if cfg.MaxElapsed > 0 && time.Since(start)+wait > cfg.MaxElapsed {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
}
