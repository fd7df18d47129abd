// Package pool leases the readers of one shared reader group to trigger
// invocations.
//
// A Pool is opened once per bridge (see Open). Each invocation obtains a
// Lease, reads one bounded cycle of events into the sink and closes the
// lease. A checkpoint scheduler runs beside the leases and persists the
// group's progress to the state store once every reader has acknowledged the
// current barrier. Leases acknowledge only between batches, so a persisted
// stream cut never covers an event that was not forwarded.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lsm/fiso-ingest/internal/leader"
	"github.com/lsm/fiso-ingest/internal/observability"
	"github.com/lsm/fiso-ingest/internal/retry"
	"github.com/lsm/fiso-ingest/internal/sink"
	"github.com/lsm/fiso-ingest/internal/state"
	"github.com/lsm/fiso-ingest/internal/streamlog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// State is the pool lifecycle state.
type State int32

// Pool lifecycle states, in the order a pool moves through them.
const (
	StateUninitialized State = iota
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Deps are the collaborators of a pool. Metrics and Tracer are optional.
type Deps struct {
	Store  state.Store
	Leader leader.Gate
	Client streamlog.Client
	Sink   sink.Sink
	Logger *slog.Logger

	Metrics *observability.Metrics
	Tracer  trace.Tracer

	// SinkType labels sink delivery errors.
	SinkType string

	// StateRetry bounds checkpoint writes. Zero uses retry.DefaultConfig.
	StateRetry retry.Config
}

func (d Deps) validate() error {
	var errs []error
	if d.Store == nil {
		errs = append(errs, errors.New("state store is required"))
	}
	if d.Leader == nil {
		errs = append(errs, errors.New("leadership gate is required"))
	}
	if d.Client == nil {
		errs = append(errs, errors.New("stream client is required"))
	}
	if d.Sink == nil {
		errs = append(errs, errors.New("sink is required"))
	}
	return errors.Join(errs...)
}

// member is one reader owned by the pool.
type member struct {
	reader streamlog.Reader
	// forced is set when shutdown closed the reader under an active lease.
	forced atomic.Bool
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	State           State
	Leased          int
	Idle            int
	CheckpointSeq   uint64
	CheckpointPhase CheckpointPhase
	LastCheckpoint  CheckpointResult
}

// Pool owns a reader group and the readers leased from it.
type Pool struct {
	cfg        Config
	keys       StateKeys
	client     streamlog.Client
	group      streamlog.ReaderGroup
	store      state.Store
	sink       sink.Sink
	sinkType   string
	stateRetry retry.Config
	logger     *slog.Logger
	metrics    poolMetrics
	tracer     trace.Tracer
	instance   string

	// drainCtx is canceled when draining starts; it ends in-flight read
	// cycles early.
	drainCtx    context.Context
	drainCancel context.CancelFunc
	schedCancel context.CancelFunc
	schedDone   chan struct{}

	mu        sync.Mutex
	state     State
	idle      []*member
	leased    map[*member]struct{}
	creating  int
	ackBusy   int
	readerSeq int
	barrier   *barrier
	ckptSeq   uint64
	phase     CheckpointPhase
	lastCkpt  CheckpointResult
	changed   chan struct{}

	closeOnce sync.Once
}

func newPool(cfg Config, keys StateKeys, group streamlog.ReaderGroup, deps Deps, logger *slog.Logger) *Pool {
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("pool")
	}
	stateRetry := deps.StateRetry
	if stateRetry.MaxAttempts == 0 {
		stateRetry = retry.DefaultConfig()
	}

	p := &Pool{
		cfg:        cfg,
		keys:       keys,
		client:     deps.Client,
		group:      group,
		store:      deps.Store,
		sink:       deps.Sink,
		sinkType:   deps.SinkType,
		stateRetry: stateRetry.WithDefaults(),
		logger:     logger,
		metrics:    poolMetrics{m: deps.Metrics, bridge: cfg.Bridge},
		tracer:     tracer,
		instance:   uuid.NewString()[:8],
		state:      StateReady,
		leased:     make(map[*member]struct{}),
		changed:    make(chan struct{}),
		schedDone:  make(chan struct{}),
	}
	p.drainCtx, p.drainCancel = context.WithCancel(context.Background())

	var schedCtx context.Context
	schedCtx, p.schedCancel = context.WithCancel(context.Background())
	go p.runScheduler(schedCtx)

	p.metrics.state(StateReady)
	return p
}

// Name returns the reader-group name.
func (p *Pool) Name() string { return p.group.Name() }

// State returns the current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:           p.state,
		Leased:          len(p.leased),
		Idle:            len(p.idle),
		CheckpointSeq:   p.ckptSeq,
		CheckpointPhase: p.phase,
		LastCheckpoint:  p.lastCkpt,
	}
}

// ObtainLease returns a lease on an idle reader, or on a new one while the
// pool holds fewer than MaxLeases readers. It returns nil when the pool is at
// capacity, not ready, or the reader could not be created. Idle readers out
// for a checkpoint acknowledgement are waited for, up to CheckpointTimeout.
func (p *Pool) ObtainLease(ctx context.Context, unitOfWork string) *Lease {
	p.mu.Lock()
	p.awaitAcksLocked(ctx)
	if p.state != StateReady {
		p.mu.Unlock()
		p.metrics.denied("not_ready")
		return nil
	}
	if n := len(p.idle); n > 0 {
		m := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.leased[m] = struct{}{}
		leased := len(p.leased)
		p.mu.Unlock()

		p.metrics.leases(leased)
		return p.newLease(m, unitOfWork)
	}
	if p.readersLocked() >= p.cfg.MaxLeases {
		p.mu.Unlock()
		p.metrics.denied("capacity")
		return nil
	}
	p.creating++
	p.readerSeq++
	id := fmt.Sprintf("%s-%s-%d", p.group.Name(), p.instance, p.readerSeq)
	p.mu.Unlock()

	r, err := p.group.NewReader(ctx, id)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.notifyLocked()
		p.mu.Unlock()
		p.metrics.fault("create")
		p.logger.Error("reader creation failed", "reader", id, "unit_of_work", unitOfWork, "error", err)
		return nil
	}
	if p.state != StateReady {
		p.notifyLocked()
		p.mu.Unlock()
		p.closeReader(&member{reader: r})
		p.metrics.denied("not_ready")
		return nil
	}
	m := &member{reader: r}
	p.leased[m] = struct{}{}
	leased := len(p.leased)
	p.mu.Unlock()

	p.metrics.leases(leased)
	p.logger.Debug("reader created", "reader", id)
	return p.newLease(m, unitOfWork)
}

// readersLocked counts every reader the pool owns or is creating.
func (p *Pool) readersLocked() int {
	return len(p.leased) + len(p.idle) + p.creating + p.ackBusy
}

// awaitAcksLocked blocks while the pool is full and some of its readers are
// borrowed by the checkpoint scheduler. Called and returns with p.mu held.
func (p *Pool) awaitAcksLocked(ctx context.Context) {
	var timer *time.Timer
	for p.state == StateReady && len(p.idle) == 0 && p.ackBusy > 0 && p.readersLocked() >= p.cfg.MaxLeases {
		if timer == nil {
			timer = time.NewTimer(p.cfg.CheckpointTimeout)
			defer timer.Stop()
		}
		changed := p.changed
		p.mu.Unlock()
		select {
		case <-changed:
		case <-timer.C:
			p.mu.Lock()
			return
		case <-ctx.Done():
			p.mu.Lock()
			return
		}
		p.mu.Lock()
	}
}

// release takes a reader back from a lease. Discarded readers are closed and
// leave any pending barrier.
func (p *Pool) release(m *member, discard bool) {
	p.mu.Lock()
	if _, ok := p.leased[m]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.leased, m)
	discard = discard || p.state == StateClosed
	if discard {
		p.dropPendingLocked(m)
	} else {
		p.idle = append(p.idle, m)
	}
	leased := len(p.leased)
	p.notifyLocked()
	p.mu.Unlock()

	p.metrics.leases(leased)
	if discard {
		p.closeReader(m)
	}
}

func (p *Pool) closeReader(m *member) {
	if err := m.reader.Close(); err != nil {
		p.logger.Warn("reader close failed", "reader", m.reader.ID(), "error", err)
	}
}

// notifyLocked wakes goroutines waiting for the lease set to change.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// GracefulShutdown stops new leases, ends in-flight read cycles at their next
// boundary and waits up to StopTimeout (or until ctx is done) for leases to
// be released. A cleanly drained pool takes one final checkpoint; otherwise
// the readers still leased are force-closed and their unacknowledged
// progress is left to the last persisted checkpoint. It returns the number
// of force-closed readers. The pool must still be closed.
func (p *Pool) GracefulShutdown(ctx context.Context) int {
	p.mu.Lock()
	if p.state != StateReady {
		p.mu.Unlock()
		return 0
	}
	p.state = StateDraining
	p.mu.Unlock()

	p.metrics.state(StateDraining)
	p.drainCancel()
	p.logger.Info("draining consumer pool", "timeout", p.cfg.StopTimeout)

	drained := p.waitDrained(ctx)
	p.stopScheduler()

	if drained {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CheckpointTimeout)
		result := p.checkpoint(cctx, true)
		cancel()
		p.logger.Info("consumer pool drained", "final_checkpoint", result.String())
		return 0
	}

	forced := p.forceClose()
	p.metrics.forced(forced)
	p.logger.Warn("graceful shutdown timed out, force-closed leased readers",
		"readers", forced,
		"timeout", p.cfg.StopTimeout,
	)
	return forced
}

func (p *Pool) waitDrained(ctx context.Context) bool {
	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if len(p.leased) == 0 && p.creating == 0 {
			p.mu.Unlock()
			return true
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (p *Pool) forceClose() int {
	p.mu.Lock()
	victims := make([]*member, 0, len(p.leased))
	for m := range p.leased {
		m.forced.Store(true)
		p.dropPendingLocked(m)
		victims = append(victims, m)
	}
	clear(p.leased)
	p.notifyLocked()
	p.mu.Unlock()

	p.metrics.leases(0)
	for _, m := range victims {
		p.closeReader(m)
	}
	return len(victims)
}

// Close tears the pool down regardless of state: every reader, the reader
// group and the client are closed. Leases still open become no-ops. Calls
// after the first return nil.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = StateClosed
		victims := p.idle
		p.idle = nil
		for m := range p.leased {
			m.forced.Store(true)
			victims = append(victims, m)
		}
		clear(p.leased)
		p.barrier = nil
		p.notifyLocked()
		p.mu.Unlock()

		p.drainCancel()
		p.stopScheduler()

		var errs []error
		for _, m := range victims {
			if cerr := m.reader.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("close reader %s: %w", m.reader.ID(), cerr))
			}
		}
		if cerr := p.group.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close reader group: %w", cerr))
		}
		if cerr := p.client.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close stream client: %w", cerr))
		}
		err = errors.Join(errs...)

		p.metrics.leases(0)
		p.metrics.state(StateClosed)
		p.logger.Info("consumer pool closed", "readers", len(victims))
	})
	return err
}

func (p *Pool) stopScheduler() {
	p.schedCancel()
	<-p.schedDone
}
