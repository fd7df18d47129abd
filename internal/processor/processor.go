// Package processor is the entry point a trigger host calls. It builds the
// consumer pool lazily on the first trigger that can build it and turns every
// trigger into one lease read cycle.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/lsm/fiso-ingest/internal/leader"
	"github.com/lsm/fiso-ingest/internal/observability"
	"github.com/lsm/fiso-ingest/internal/pool"
	"github.com/lsm/fiso-ingest/internal/retry"
	"github.com/lsm/fiso-ingest/internal/sink"
	"github.com/lsm/fiso-ingest/internal/state"
	"github.com/lsm/fiso-ingest/internal/streamlog"
	"github.com/lsm/fiso-ingest/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Outcome tells the trigger host what one invocation did.
type Outcome int

const (
	// Yield means nothing was forwarded; the host should back off before the
	// next trigger.
	Yield Outcome = iota
	// Processed means at least one event was forwarded.
	Processed
)

func (o Outcome) String() string {
	if o == Processed {
		return "processed"
	}
	return "yield"
}

// ClientFactory connects to the stream log.
type ClientFactory func(ctx context.Context) (streamlog.Client, error)

// Deps are the collaborators shared by every pool the processor builds.
type Deps struct {
	Store     state.Store
	Leader    leader.Gate
	Sink      sink.Sink
	NewClient ClientFactory
	Logger    *slog.Logger

	Metrics    *observability.Metrics
	Tracer     trace.Tracer
	SinkType   string
	StateRetry retry.Config
}

// Option overrides a processor default.
type Option func(*Processor)

// WithReaderGroupName joins or creates the named reader group instead of the
// one derived from the scope and streams.
func WithReaderGroupName(name string) Option {
	return func(p *Processor) { p.cfg.ReaderGroupName = name }
}

// WithClient uses c instead of calling the client factory.
func WithClient(c streamlog.Client) Option {
	return func(p *Processor) {
		p.newClient = func(context.Context) (streamlog.Client, error) { return c, nil }
	}
}

// Processor owns at most one pool at a time.
type Processor struct {
	cfg       pool.Config
	deps      Deps
	newClient ClientFactory
	logger    *slog.Logger
	tracer    trace.Tracer

	current   atomic.Pointer[pool.Pool]
	scheduled atomic.Bool

	mu sync.Mutex
	// pending is a client created for a pool that was not ready yet. It is
	// reused by the next attempt and handed to the pool once one opens.
	pending streamlog.Client
}

// New creates an unscheduled processor.
func New(cfg pool.Config, deps Deps, opts ...Option) (*Processor, error) {
	p := &Processor{
		cfg:       cfg.WithDefaults(),
		deps:      deps,
		newClient: deps.NewClient,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.newClient == nil {
		return nil, errors.New("processor: stream client factory is required")
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.tracer == nil {
		p.tracer = noop.NewTracerProvider().Tracer("processor")
	}
	p.logger = p.logger.With("bridge", p.cfg.Bridge)
	return p, nil
}

// Config returns the pool configuration with defaults applied.
func (p *Processor) Config() pool.Config { return p.cfg }

// Schedule allows triggers to build and use a pool.
func (p *Processor) Schedule() {
	p.scheduled.Store(true)
}

// State returns the lifecycle state of the current pool, or
// pool.StateUninitialized when none has been built.
func (p *Processor) State() pool.State {
	if pl := p.current.Load(); pl != nil {
		return pl.State()
	}
	return pool.StateUninitialized
}

// Stats returns the current pool's stats and whether a pool exists.
func (p *Processor) Stats() (pool.Stats, bool) {
	if pl := p.current.Load(); pl != nil {
		return pl.Stats(), true
	}
	return pool.Stats{}, false
}

// OnTrigger runs one invocation. Every expected condition is a Yield with a
// nil error: the pool is not ready, no lease is free, nothing was read or the
// reader faulted (the fault is logged and the reader replaced). Only a failure
// to build the pool is returned, and the next trigger retries it.
func (p *Processor) OnTrigger(ctx context.Context) (Outcome, error) {
	unit := uuid.NewString()
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanTrigger,
		trace.WithAttributes(tracing.BridgeAttr(p.cfg.Bridge)),
	)
	defer span.End()

	if !p.scheduled.Load() {
		p.count("unscheduled")
		return Yield, nil
	}

	pl, err := p.pool(ctx)
	if err != nil {
		p.count("error")
		tracing.SetSpanError(span, err)
		observability.WithTraceContext(ctx, p.logger).Error("consumer pool construction failed", "error", err)
		return Yield, err
	}
	if pl == nil {
		p.count("not_ready")
		return Yield, nil
	}

	lease := pl.ObtainLease(ctx, unit)
	if lease == nil {
		p.count("no_lease")
		return Yield, nil
	}
	defer lease.Close()

	span.SetAttributes(tracing.ReaderAttr(lease.ReaderID()))
	got, err := lease.ReadEvents(ctx)
	if err != nil {
		p.count("fault")
		tracing.SetSpanError(span, err)
		return Yield, nil
	}
	if !got {
		p.count("empty")
		return Yield, nil
	}
	p.count("processed")
	tracing.SetSpanOK(span)
	return Processed, nil
}

// pool returns the ready pool, building it if needed. A nil pool with a nil
// error means not ready yet.
func (p *Processor) pool(ctx context.Context) (*pool.Pool, error) {
	if pl := p.current.Load(); pl != nil {
		return pl, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pl := p.current.Load(); pl != nil {
		return pl, nil
	}
	if !p.scheduled.Load() {
		return nil, nil
	}

	if p.pending == nil {
		client, err := p.newClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect stream log: %w", err)
		}
		p.pending = client
	}

	pl, err := pool.Open(ctx, p.cfg, pool.Deps{
		Store:      p.deps.Store,
		Leader:     p.deps.Leader,
		Client:     p.pending,
		Sink:       p.deps.Sink,
		Logger:     p.deps.Logger,
		Metrics:    p.deps.Metrics,
		Tracer:     p.tracer,
		SinkType:   p.deps.SinkType,
		StateRetry: p.deps.StateRetry,
	})
	if err != nil || pl == nil {
		return nil, err
	}
	p.pending = nil
	p.current.Store(pl)
	return pl, nil
}

// Unschedule stops triggers from using the pool and shuts the current pool
// down gracefully. It returns the number of force-closed readers.
func (p *Processor) Unschedule(ctx context.Context) int {
	p.scheduled.Store(false)

	p.mu.Lock()
	pl := p.current.Load()
	p.mu.Unlock()
	if pl == nil {
		return 0
	}
	return pl.GracefulShutdown(ctx)
}

// Stop closes the current pool and returns the processor to its initial
// state. The next scheduled trigger builds a new pool.
func (p *Processor) Stop() error {
	p.scheduled.Store(false)

	p.mu.Lock()
	pl := p.current.Swap(nil)
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	var errs []error
	if pl != nil {
		if err := pl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if pending != nil {
		if err := pending.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream client: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) count(outcome string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.Triggers.WithLabelValues(p.cfg.Bridge, outcome).Inc()
	}
}
