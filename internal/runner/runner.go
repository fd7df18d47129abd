// Package runner hosts a processor: it invokes triggers from a fixed set of
// workers until its context is canceled, then shuts the processor down.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lsm/fiso-ingest/internal/processor"
	"golang.org/x/time/rate"
)

const (
	DefaultYieldDuration   = time.Second
	DefaultErrorBackoff    = 5 * time.Second
	DefaultShutdownTimeout = 90 * time.Second
)

// Trigger is the processor surface the runner drives.
type Trigger interface {
	Schedule()
	OnTrigger(ctx context.Context) (processor.Outcome, error)
	Unschedule(ctx context.Context) int
	Stop() error
}

// Config controls trigger pacing.
type Config struct {
	// Workers is the number of concurrent trigger loops, normally the pool's
	// maximum concurrent leases.
	Workers int
	// YieldDuration is the pause after a trigger that forwarded nothing.
	YieldDuration time.Duration
	// ErrorBackoff is the pause after a trigger that returned an error.
	ErrorBackoff time.Duration
	// RunSchedule is the minimum interval between triggers across all
	// workers. Zero runs triggers back to back.
	RunSchedule time.Duration
	// ShutdownTimeout bounds Unschedule once the context is canceled.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.YieldDuration <= 0 {
		c.YieldDuration = DefaultYieldDuration
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Runner drives one Trigger.
type Runner struct {
	name    string
	trigger Trigger
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a runner for the named bridge.
func New(name string, t Trigger, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RunSchedule > 0 {
		limit = rate.Every(cfg.RunSchedule)
	}
	return &Runner{
		name:    name,
		trigger: t,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Workers),
		logger:  logger.With("bridge", name),
	}
}

// Run schedules the trigger and runs the workers until ctx is canceled. In
// flight triggers are not canceled with ctx: the processor is unscheduled
// first so their read cycles end at the next batch boundary, and only then
// is their context canceled. Run returns the error from stopping the
// processor.
func (r *Runner) Run(ctx context.Context) error {
	r.trigger.Schedule()
	r.logger.Info("bridge started", "workers", r.cfg.Workers, "run_schedule", r.cfg.RunSchedule)

	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(ctx, work)
		}()
	}

	<-ctx.Done()
	r.logger.Info("stopping bridge")

	sctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	forced := r.trigger.Unschedule(sctx)
	cancel()
	cancelWork()
	wg.Wait()

	err := r.trigger.Stop()
	r.logger.Info("bridge stopped", "forced_readers", forced)
	return err
}

func (r *Runner) worker(ctx, work context.Context) {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		outcome, err := r.trigger.OnTrigger(work)

		var pause time.Duration
		switch {
		case err != nil:
			pause = r.cfg.ErrorBackoff
		case outcome == processor.Yield:
			pause = r.cfg.YieldDuration
		}
		if pause > 0 && !sleep(ctx, pause) {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
