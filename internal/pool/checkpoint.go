package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lsm/fiso-ingest/internal/retry"
	"github.com/lsm/fiso-ingest/internal/state"
	"github.com/lsm/fiso-ingest/internal/streamlog"
	"github.com/lsm/fiso-ingest/internal/tracing"
	"go.opentelemetry.io/otel/trace"
)

// CheckpointPhase is the scheduler state.
type CheckpointPhase int32

// Checkpoint phases. An attempt moves from PhaseRequested through
// PhaseConfirming to PhaseCommitted or PhaseTimedOut, then back to PhaseIdle.
const (
	PhaseIdle CheckpointPhase = iota
	PhaseRequested
	PhaseConfirming
	PhaseCommitted
	PhaseTimedOut
)

func (c CheckpointPhase) String() string {
	switch c {
	case PhaseIdle:
		return "IDLE"
	case PhaseRequested:
		return "REQUESTED"
	case PhaseConfirming:
		return "CONFIRMING"
	case PhaseCommitted:
		return "COMMITTED"
	case PhaseTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// CheckpointResult is the outcome of one checkpoint attempt.
type CheckpointResult int32

// Checkpoint results, as reported by Stats and the checkpoint metrics.
const (
	// ResultNone means no attempt has run yet.
	ResultNone CheckpointResult = iota
	ResultCommitted
	ResultTimedOut
	// ResultAbandoned means shutdown interrupted the attempt.
	ResultAbandoned
	// ResultFailed means every reader acknowledged but the write failed.
	ResultFailed
	// ResultSkipped means the pool was not in a state to checkpoint.
	ResultSkipped
)

func (r CheckpointResult) String() string {
	switch r {
	case ResultNone:
		return "none"
	case ResultCommitted:
		return "committed"
	case ResultTimedOut:
		return "timed_out"
	case ResultAbandoned:
		return "abandoned"
	case ResultFailed:
		return "failed"
	case ResultSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

var errCutUnchanged = errors.New("checkpoint unchanged")

// barrier is one named checkpoint request. Guarded by Pool.mu.
type barrier struct {
	seq     uint64
	name    string
	pending map[*member]struct{}
	acked   streamlog.StreamCut
	done    chan struct{}
	closed  bool
}

func newBarrier(seq uint64) *barrier {
	return &barrier{
		seq:     seq,
		name:    "checkpoint-" + strconv.FormatUint(seq, 10),
		pending: make(map[*member]struct{}),
		acked:   streamlog.StreamCut{},
		done:    make(chan struct{}),
	}
}

func (b *barrier) ack(m *member, pos streamlog.StreamCut) {
	if _, ok := b.pending[m]; !ok {
		return
	}
	b.acked = b.acked.Merge(pos)
	delete(b.pending, m)
	b.resolve()
}

func (b *barrier) drop(m *member) {
	if _, ok := b.pending[m]; !ok {
		return
	}
	delete(b.pending, m)
	b.resolve()
}

func (b *barrier) resolve() {
	if len(b.pending) == 0 && !b.closed {
		b.closed = true
		close(b.done)
	}
}

func (p *Pool) dropPendingLocked(m *member) {
	if p.barrier != nil {
		p.barrier.drop(m)
	}
}

// pendingBarrier returns the barrier m has yet to acknowledge, if any.
func (p *Pool) pendingBarrier(m *member) *barrier {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b := p.barrier; b != nil {
		if _, ok := b.pending[m]; ok {
			return b
		}
	}
	return nil
}

// acknowledge commits m's reader and records its position against b.
func (p *Pool) acknowledge(ctx context.Context, b *barrier, m *member) error {
	if err := m.reader.Commit(ctx); err != nil {
		return fmt.Errorf("commit reader %s for %s: %w", m.reader.ID(), b.name, err)
	}
	pos := m.reader.Position()

	p.mu.Lock()
	b.ack(m, pos)
	p.mu.Unlock()
	return nil
}

func (p *Pool) runScheduler(ctx context.Context) {
	defer close(p.schedDone)

	ticker := time.NewTicker(p.cfg.CheckpointPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkpoint(ctx, false)
		}
	}
}

// checkpoint runs one attempt: it requests a barrier from every reader,
// acknowledges idle readers itself and waits up to CheckpointTimeout for the
// leased ones. A final attempt is also allowed while draining.
func (p *Pool) checkpoint(ctx context.Context, final bool) CheckpointResult {
	p.mu.Lock()
	allowed := p.state == StateReady || (final && p.state == StateDraining)
	if !allowed || p.barrier != nil {
		p.mu.Unlock()
		return ResultSkipped
	}
	p.ckptSeq++
	b := newBarrier(p.ckptSeq)
	for m := range p.leased {
		b.pending[m] = struct{}{}
	}
	idle := p.idle
	p.idle = nil
	p.ackBusy += len(idle)
	for _, m := range idle {
		b.pending[m] = struct{}{}
	}
	b.resolve()
	p.barrier = b
	p.phase = PhaseRequested
	p.mu.Unlock()

	start := time.Now()
	logger := p.logger.With("checkpoint", b.name)
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanCheckpoint,
		trace.WithAttributes(
			tracing.BridgeAttr(p.cfg.Bridge),
			tracing.ReaderGroupAttr(p.group.Name()),
			tracing.CheckpointAttr(b.name),
		),
	)
	defer span.End()

	actx, cancel := context.WithTimeout(ctx, p.cfg.CheckpointTimeout)
	defer cancel()

	for _, m := range idle {
		p.returnChecked(m, p.acknowledge(actx, b, m))
	}

	p.setPhase(PhaseConfirming)
	result := ResultTimedOut
	select {
	case <-b.done:
		result = ResultCommitted
	case <-actx.Done():
		if ctx.Err() != nil {
			result = ResultAbandoned
		}
	}

	p.mu.Lock()
	current := p.barrier == b
	if current {
		p.barrier = nil
	} else {
		result = ResultAbandoned
	}
	outstanding := len(b.pending)
	acked := b.acked
	p.mu.Unlock()

	if result == ResultCommitted {
		wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CheckpointTimeout)
		err := p.persist(wctx, acked)
		wcancel()
		if err != nil {
			result = ResultFailed
			tracing.SetSpanError(span, err)
			logger.Error("checkpoint write failed", "error", err)
		}
	}

	switch result {
	case ResultCommitted:
		p.setPhase(PhaseCommitted)
		tracing.SetSpanOK(span)
		logger.Debug("checkpoint committed", "duration", time.Since(start))
	case ResultTimedOut:
		p.setPhase(PhaseTimedOut)
		tracing.SetSpanError(span, context.DeadlineExceeded)
		logger.Warn("checkpoint timed out, retrying next period",
			"unacknowledged", outstanding,
			"timeout", p.cfg.CheckpointTimeout,
		)
	case ResultAbandoned:
		logger.Info("checkpoint abandoned by shutdown", "unacknowledged", outstanding)
	}
	span.SetAttributes(tracing.CheckpointPhaseAttr(result.String()))

	p.mu.Lock()
	p.phase = PhaseIdle
	p.lastCkpt = result
	p.mu.Unlock()

	p.metrics.checkpoint(result, time.Since(start))
	return result
}

// returnChecked puts an idle reader borrowed by the scheduler back.
func (p *Pool) returnChecked(m *member, ackErr error) {
	p.mu.Lock()
	p.ackBusy--
	discard := ackErr != nil || p.state == StateClosed
	if discard {
		p.dropPendingLocked(m)
	} else {
		p.idle = append(p.idle, m)
	}
	p.notifyLocked()
	p.mu.Unlock()

	if ackErr != nil {
		p.metrics.fault("checkpoint")
		p.logger.Error("idle reader failed checkpoint, discarding", "reader", m.reader.ID(), "error", ackErr)
	}
	if discard {
		p.closeReader(m)
	}
}

func (p *Pool) setPhase(phase CheckpointPhase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// persist merges the group's committed progress and the acknowledged
// positions into the stored cut. The stored cut only moves forward.
func (p *Pool) persist(ctx context.Context, acked streamlog.StreamCut) error {
	committed, err := p.group.Committed(ctx)
	if err != nil {
		return fmt.Errorf("read committed progress: %w", err)
	}
	cut := committed.Merge(acked)

	apply := func(old string, ok bool) (string, error) {
		prev := streamlog.StreamCut{}
		if ok {
			decoded, err := streamlog.DecodeStreamCut(old)
			if err != nil {
				return "", retry.Permanent(fmt.Errorf("stored checkpoint: %w", err))
			}
			prev = decoded
		}
		next := prev.Merge(cut)
		if ok && prev.Covers(next) {
			return "", retry.Permanent(errCutUnchanged)
		}
		return next.Encode()
	}

	err = retry.Do(ctx, p.stateRetry, func(int) error {
		if u, ok := p.store.(state.Updater); ok {
			return u.Update(ctx, p.keys.Checkpoint, apply)
		}
		old, ok, err := p.store.Get(ctx, p.keys.Checkpoint)
		if err != nil {
			return err
		}
		value, err := apply(old, ok)
		if err != nil {
			return err
		}
		return p.store.Put(ctx, p.keys.Checkpoint, value)
	})
	if errors.Is(err, errCutUnchanged) {
		return nil
	}
	return err
}

// LoadCheckpoint reads the persisted stream cut. ok is false when none has
// been written.
func LoadCheckpoint(ctx context.Context, store state.Store, keys StateKeys) (cut streamlog.StreamCut, ok bool, err error) {
	raw, ok, err := store.Get(ctx, keys.Checkpoint)
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint: %w", err)
	}
	if !ok {
		return streamlog.StreamCut{}, false, nil
	}
	cut, err = streamlog.DecodeStreamCut(raw)
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint: %w", err)
	}
	return cut, true, nil
}
