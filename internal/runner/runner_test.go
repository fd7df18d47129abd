package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lsm/fiso-ingest/internal/processor"
)

type fakeTrigger struct {
	mu       sync.Mutex
	calls    int
	times    []time.Time
	outcomes []processor.Outcome
	errs     []error

	active      atomic.Int32
	peak        atomic.Int32
	hold        time.Duration
	canceledIn  atomic.Int32
	scheduled   atomic.Bool
	unscheduled atomic.Bool
	stopped     atomic.Bool
	order       []string
}

func (f *fakeTrigger) record(step string) {
	f.mu.Lock()
	f.order = append(f.order, step)
	f.mu.Unlock()
}

func (f *fakeTrigger) Schedule() {
	f.scheduled.Store(true)
	f.record("schedule")
}

func (f *fakeTrigger) OnTrigger(ctx context.Context) (processor.Outcome, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}

	f.mu.Lock()
	i := f.calls
	f.calls++
	f.times = append(f.times, time.Now())
	var out processor.Outcome = processor.Processed
	var err error
	if i < len(f.outcomes) {
		out = f.outcomes[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	f.mu.Unlock()

	if f.hold > 0 {
		select {
		case <-ctx.Done():
			f.canceledIn.Add(1)
		case <-time.After(f.hold):
		}
	}
	return out, err
}

// Unschedule waits for in-flight triggers the way a draining pool does.
func (f *fakeTrigger) Unschedule(ctx context.Context) int {
	f.unscheduled.Store(true)
	f.record("unschedule")
	for f.active.Load() > 0 && ctx.Err() == nil {
		time.Sleep(time.Millisecond)
	}
	return 0
}

func (f *fakeTrigger) Stop() error {
	f.stopped.Store(true)
	f.record("stop")
	return nil
}

func (f *fakeTrigger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runFor(t *testing.T, r *Runner, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRun_Lifecycle(t *testing.T) {
	f := &fakeTrigger{}
	r := New("orders", f, Config{Workers: 2, RunSchedule: 5 * time.Millisecond}, testLogger())
	runFor(t, r, 50*time.Millisecond)

	if f.callCount() == 0 {
		t.Fatal("no triggers ran")
	}
	want := []string{"schedule", "unschedule", "stop"}
	if len(f.order) != len(want) {
		t.Fatalf("lifecycle = %v, want %v", f.order, want)
	}
	for i := range want {
		if f.order[i] != want[i] {
			t.Fatalf("lifecycle = %v, want %v", f.order, want)
		}
	}
}

func TestRun_WorkersBoundConcurrency(t *testing.T) {
	f := &fakeTrigger{hold: 5 * time.Millisecond}
	r := New("orders", f, Config{Workers: 3}, testLogger())
	runFor(t, r, 60*time.Millisecond)

	if got := f.peak.Load(); got > 3 || got == 0 {
		t.Errorf("peak concurrent triggers = %d, want 1..3", got)
	}
}

func TestRun_YieldPauses(t *testing.T) {
	f := &fakeTrigger{outcomes: []processor.Outcome{processor.Yield, processor.Yield, processor.Yield}}
	r := New("orders", f, Config{Workers: 1, YieldDuration: 40 * time.Millisecond}, testLogger())
	runFor(t, r, 100*time.Millisecond)

	if n := f.callCount(); n > 3 {
		t.Errorf("triggers = %d, want yield to pause between calls", n)
	}
}

func TestRun_ErrorBackoff(t *testing.T) {
	f := &fakeTrigger{errs: []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}}
	r := New("orders", f, Config{Workers: 1, ErrorBackoff: time.Hour}, testLogger())
	runFor(t, r, 30*time.Millisecond)

	if n := f.callCount(); n != 1 {
		t.Errorf("triggers = %d, want 1 during error backoff", n)
	}
	if !f.stopped.Load() {
		t.Error("processor not stopped after backoff interrupted")
	}
}

func TestRun_RunSchedulePacesTriggers(t *testing.T) {
	f := &fakeTrigger{}
	r := New("orders", f, Config{Workers: 1, RunSchedule: 20 * time.Millisecond}, testLogger())
	runFor(t, r, 110*time.Millisecond)

	if n := f.callCount(); n < 2 || n > 8 {
		t.Errorf("triggers = %d, want roughly one per 20ms", n)
	}
}

func TestRun_InFlightTriggerNotCanceledBeforeUnschedule(t *testing.T) {
	f := &fakeTrigger{hold: 30 * time.Millisecond}
	r := New("orders", f, Config{Workers: 1}, testLogger())
	runFor(t, r, 10*time.Millisecond)

	if f.canceledIn.Load() != 0 {
		t.Error("in-flight trigger was canceled instead of finishing")
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Workers != 1 || cfg.YieldDuration != DefaultYieldDuration || cfg.ErrorBackoff != DefaultErrorBackoff {
		t.Errorf("withDefaults() = %+v", cfg)
	}
}
