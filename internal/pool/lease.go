package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lsm/fiso-ingest/internal/streamlog"
	"github.com/lsm/fiso-ingest/internal/tracing"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrLeaseReleased is returned by ReadEvents after Close.
	ErrLeaseReleased = errors.New("pool: lease released")

	// ErrLeaseFaulted is returned by ReadEvents after an earlier fault.
	ErrLeaseFaulted = errors.New("pool: lease faulted")
)

// Lease is the exclusive use of one reader for one unit of work. A lease is
// not safe for concurrent use. Close must be called on every path, usually
// with defer.
type Lease struct {
	pool   *Pool
	m      *member
	unit   string
	logger *slog.Logger

	faulted  bool
	released bool
	once     sync.Once
}

func (p *Pool) newLease(m *member, unitOfWork string) *Lease {
	return &Lease{
		pool:   p,
		m:      m,
		unit:   unitOfWork,
		logger: p.logger.With("reader", m.reader.ID(), "unit_of_work", unitOfWork),
	}
}

// ReaderID returns the id of the leased reader.
func (l *Lease) ReaderID() string { return l.m.reader.ID() }

// Faulted reports whether the reader will be discarded on Close.
func (l *Lease) Faulted() bool { return l.faulted }

// ReadEvents runs one read cycle. It reads for at least MinProcessingTime
// unless BatchSize events were forwarded first or the pool started draining,
// forwarding every event to the sink as it arrives. A pending checkpoint is
// acknowledged between batches, never in the middle of one. It reports
// whether any event was forwarded.
//
// A read, forward or acknowledge error faults the lease: the error is
// returned and the reader is discarded on Close. Events read after the last
// checkpoint are redelivered by the reader that takes over.
func (l *Lease) ReadEvents(ctx context.Context) (bool, error) {
	if l.released {
		return false, ErrLeaseReleased
	}
	if l.faulted {
		return false, ErrLeaseFaulted
	}
	p := l.pool

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanLeaseRead,
		trace.WithAttributes(
			tracing.BridgeAttr(p.cfg.Bridge),
			tracing.ReaderAttr(l.m.reader.ID()),
		),
	)
	defer span.End()

	cycle, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.drainCtx, cancel)
	defer stop()

	deadline := time.Now().Add(p.cfg.MinProcessingTime)
	forwarded := 0
	for forwarded < p.cfg.BatchSize {
		if err := l.acknowledgePending(ctx); err != nil {
			return l.fail(span, "checkpoint", err)
		}

		wait := time.Until(deadline)
		if wait <= 0 || cycle.Err() != nil {
			break
		}

		events, err := l.m.reader.Read(cycle, p.cfg.BatchSize-forwarded, wait)
		if err != nil {
			if cycle.Err() != nil || l.m.forced.Load() {
				break
			}
			return l.fail(span, "read", err)
		}

		for _, ev := range events {
			if err := l.forward(ctx, ev); err != nil {
				p.metrics.sinkError(p.sinkType)
				return l.fail(span, "forward", err)
			}
			forwarded++
		}
	}

	if forwarded == 0 {
		p.metrics.emptyRead()
	}
	span.SetAttributes(tracing.EventCountAttr(forwarded))
	return forwarded > 0, nil
}

func (l *Lease) forward(ctx context.Context, ev streamlog.Event) error {
	p := l.pool
	opts := []trace.SpanStartOption{
		trace.WithAttributes(tracing.EventAttrs(ev.Stream, ev.Partition, ev.Offset)...),
	}
	if remote := trace.SpanContextFromContext(tracing.Extract(context.Background(), ev.Headers)); remote.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: remote}))
	}
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanForward, opts...)
	defer span.End()

	if err := p.sink.Forward(ctx, ev); err != nil {
		tracing.SetSpanError(span, err)
		return fmt.Errorf("forward %s/%d@%d: %w", ev.Stream, ev.Partition, ev.Offset, err)
	}
	p.metrics.forwarded(ev.Stream)
	return nil
}

// acknowledgePending acknowledges the current barrier if this reader still
// owes it.
func (l *Lease) acknowledgePending(ctx context.Context) error {
	b := l.pool.pendingBarrier(l.m)
	if b == nil {
		return nil
	}
	actx, cancel := context.WithTimeout(ctx, l.pool.cfg.CheckpointTimeout)
	defer cancel()
	if err := l.pool.acknowledge(actx, b, l.m); err != nil {
		return err
	}
	l.logger.Debug("checkpoint acknowledged", "checkpoint", b.name)
	return nil
}

func (l *Lease) fail(span trace.Span, stage string, err error) (bool, error) {
	l.faulted = true
	l.pool.metrics.fault(stage)
	tracing.SetSpanError(span, err)
	l.logger.Error("reader fault, discarding reader", "stage", stage, "error", err)
	return false, fmt.Errorf("%s: %w", stage, err)
}

// Close releases the reader exactly once. A clean lease acknowledges any
// pending checkpoint and returns its reader to the idle set; a faulted one
// has its reader closed. Close is a no-op for a reader already force-closed
// by shutdown.
func (l *Lease) Close() {
	l.once.Do(func() {
		l.released = true
		if l.m.forced.Load() {
			return
		}
		if !l.faulted {
			if err := l.acknowledgePending(context.Background()); err != nil {
				l.faulted = true
				l.pool.metrics.fault("checkpoint")
				l.logger.Error("checkpoint acknowledge on release failed, discarding reader", "error", err)
			}
		}
		if !l.faulted {
			l.m.reader.Release()
		}
		l.pool.release(l.m, l.faulted)
	})
}
