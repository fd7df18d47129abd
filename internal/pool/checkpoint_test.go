package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lsm/fiso-ingest/internal/state"
	"github.com/lsm/fiso-ingest/internal/streamlog"
)

// plainStore hides Memory's Updater so persist takes the Get+Put path.
type plainStore struct {
	state.Store
}

func TestCheckpoint_IdleReaderCommits(t *testing.T) {
	env := newTestEnv(t, 1)
	env.appendN(t, 0, 5)
	p := env.open(t)

	if _, err := readOnce(t, p); err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
	if got := p.checkpoint(context.Background(), false); got != ResultCommitted {
		t.Fatalf("checkpoint() = %v, want committed", got)
	}

	if off, _ := env.storedCut(t).Offset(testStream, 0); off != 5 {
		t.Errorf("stored offset = %d, want 5", off)
	}
	if cut, _ := env.log.Committed(p.Name()); !cut.Equal(env.storedCut(t)) {
		t.Errorf("group committed %v, stored %v", cut, env.storedCut(t))
	}
	if s := p.Stats(); s.CheckpointSeq != 1 || s.LastCheckpoint != ResultCommitted || s.CheckpointPhase != PhaseIdle {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestCheckpoint_Monotonic(t *testing.T) {
	env := newTestEnv(t, 1)
	env.appendN(t, 0, 5)
	p := env.open(t)
	if _, err := readOnce(t, p); err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}

	ahead := streamlog.StreamCut{}
	ahead.Set(testStream, 0, 100)
	raw, _ := ahead.Encode()
	_ = env.store.Put(context.Background(), env.keys.Checkpoint, raw)
	writes := env.store.Writes()

	if got := p.checkpoint(context.Background(), false); got != ResultCommitted {
		t.Fatalf("checkpoint() = %v, want committed", got)
	}
	if off, _ := env.storedCut(t).Offset(testStream, 0); off != 100 {
		t.Errorf("stored offset moved back to %d", off)
	}
	if env.store.Writes() != writes {
		t.Error("unchanged checkpoint should not be rewritten")
	}
}

func TestCheckpoint_WithoutUpdater(t *testing.T) {
	env := newTestEnv(t, 1)
	env.appendN(t, 0, 3)
	deps := env.deps(true)
	deps.Store = plainStore{Store: env.store}
	p, err := Open(context.Background(), env.cfg, deps)
	if err != nil || p == nil {
		t.Fatalf("Open() = %v, %v", p, err)
	}
	defer p.Close()

	if _, err := readOnce(t, p); err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
	if got := p.checkpoint(context.Background(), false); got != ResultCommitted {
		t.Fatalf("checkpoint() = %v, want committed", got)
	}
	if off, _ := env.storedCut(t).Offset(testStream, 0); off != 3 {
		t.Errorf("stored offset = %d, want 3", off)
	}
}

func TestCheckpoint_TimesOutOnBusyLease(t *testing.T) {
	env := newTestEnv(t, 1)
	env.cfg.CheckpointTimeout = 50 * time.Millisecond
	env.appendN(t, 0, 2)
	p := env.open(t)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var blocked atomic.Bool
	env.log.SetReadHook(func(context.Context, string) error {
		if blocked.CompareAndSwap(false, true) {
			close(entered)
			<-unblock
		}
		return nil
	})

	l := p.ObtainLease(context.Background(), "busy")
	done := make(chan error, 1)
	go func() {
		_, err := l.ReadEvents(context.Background())
		l.Close()
		done <- err
	}()
	<-entered

	before := env.storedCut(t)
	writes := env.store.Writes()
	if got := p.checkpoint(context.Background(), false); got != ResultTimedOut {
		t.Fatalf("checkpoint() = %v, want timed out", got)
	}
	if !env.storedCut(t).Equal(before) || env.store.Writes() != writes {
		t.Error("timed out checkpoint must not change the stored cut")
	}
	if p.Stats().LastCheckpoint != ResultTimedOut {
		t.Errorf("LastCheckpoint = %v", p.Stats().LastCheckpoint)
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}

	if got := p.checkpoint(context.Background(), false); got != ResultCommitted {
		t.Fatalf("retry checkpoint() = %v, want committed", got)
	}
	if off, _ := env.storedCut(t).Offset(testStream, 0); off != 2 {
		t.Errorf("stored offset = %d, want 2", off)
	}
}

func TestCheckpoint_LeaseAcknowledgesBetweenBatches(t *testing.T) {
	env := newTestEnv(t, 1)
	env.cfg.MinProcessingTime = 400 * time.Millisecond
	p := env.open(t)

	reading := make(chan struct{}, 16)
	env.log.SetReadHook(func(context.Context, string) error {
		select {
		case reading <- struct{}{}:
		default:
		}
		return nil
	})

	l := p.ObtainLease(context.Background(), "active")
	done := make(chan error, 1)
	go func() {
		_, err := l.ReadEvents(context.Background())
		l.Close()
		done <- err
	}()
	<-reading

	result := make(chan CheckpointResult, 1)
	go func() { result <- p.checkpoint(context.Background(), false) }()
	waitFor(t, "checkpoint to wait on the lease", func() bool {
		return p.Stats().CheckpointPhase == PhaseConfirming
	})
	env.appendN(t, 0, 1)

	if got := <-result; got != ResultCommitted {
		t.Fatalf("checkpoint() = %v, want committed", got)
	}
	if off, _ := env.storedCut(t).Offset(testStream, 0); off != 1 {
		t.Errorf("stored offset = %d, want 1", off)
	}
	if err := <-done; err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
}

func TestCheckpoint_FailedIdleReaderDiscarded(t *testing.T) {
	env := newTestEnv(t, 1)
	p := env.open(t)
	if _, err := readOnce(t, p); err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}

	env.log.SetCommitHook(func(string) error { return errors.New("segment store unavailable") })
	if got := p.checkpoint(context.Background(), false); got != ResultCommitted {
		t.Fatalf("checkpoint() = %v, want committed", got)
	}
	if s := p.Stats(); s.Idle != 0 {
		t.Errorf("idle readers = %d, want the failed reader discarded", s.Idle)
	}
	if env.log.Members(p.Name()) != 0 {
		t.Error("discarded reader should have left the group")
	}
}

func TestCheckpoint_LeaseWaitsForAcknowledgingReader(t *testing.T) {
	env := newTestEnv(t, 1)
	env.appendN(t, 0, 3)
	p := env.open(t)
	if _, err := readOnce(t, p); err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var once atomic.Bool
	env.log.SetCommitHook(func(string) error {
		if once.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		return nil
	})
	done := make(chan CheckpointResult, 1)
	go func() { done <- p.checkpoint(context.Background(), false) }()
	<-entered

	leased := make(chan *Lease, 1)
	go func() { leased <- p.ObtainLease(context.Background(), "mid-checkpoint") }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	l := <-leased
	if l == nil {
		t.Fatal("ObtainLease() during checkpoint acknowledgement = nil")
	}
	l.Close()
	if got := <-done; got != ResultCommitted {
		t.Errorf("checkpoint() = %v, want committed", got)
	}
	if s := p.Stats(); s.Idle != 1 || s.Leased != 0 {
		t.Errorf("Stats() = %+v, want the one reader back idle", s)
	}
}

func TestCheckpoint_SkippedWhenNotReady(t *testing.T) {
	env := newTestEnv(t, 1)
	p := env.open(t)
	_ = p.Close()

	if got := p.checkpoint(context.Background(), false); got != ResultSkipped {
		t.Errorf("checkpoint() = %v, want skipped", got)
	}
}

func TestCheckpoint_Scheduled(t *testing.T) {
	env := newTestEnv(t, 1)
	env.cfg.CheckpointPeriod = 10 * time.Millisecond
	env.appendN(t, 0, 2)
	p := env.open(t)
	if _, err := readOnce(t, p); err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}

	waitFor(t, "scheduled checkpoint", func() bool {
		off, _ := env.storedCut(t).Offset(testStream, 0)
		return off == 2
	})
}

func TestCheckpointPhaseAndResult_String(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{PhaseIdle.String(), "IDLE"},
		{PhaseConfirming.String(), "CONFIRMING"},
		{PhaseTimedOut.String(), "TIMED_OUT"},
		{ResultCommitted.String(), "committed"},
		{ResultTimedOut.String(), "timed_out"},
		{ResultAbandoned.String(), "abandoned"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String() = %q, want %q", tt.got, tt.want)
		}
	}
}
