package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lsm/fiso-ingest/internal/leader"
	"github.com/lsm/fiso-ingest/internal/state"
	"github.com/lsm/fiso-ingest/internal/streamlog"
	"github.com/lsm/fiso-ingest/internal/streamlog/memlog"
)

const testStream = "shop.orders"

// recordingSink keeps every forwarded event. failAt makes Forward fail for
// the matching offset once.
type recordingSink struct {
	mu     sync.Mutex
	events []streamlog.Event
	failAt map[int64]bool
}

func (s *recordingSink) Forward(_ context.Context, ev streamlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt[ev.Offset] {
		delete(s.failAt, ev.Offset)
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) failOnce(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt == nil {
		s.failAt = make(map[int64]bool)
	}
	s.failAt[offset] = true
}

func (s *recordingSink) offsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Offset
	}
	return out
}

type testEnv struct {
	log   *memlog.Log
	store *state.Memory
	sink  *recordingSink
	cfg   Config
	keys  StateKeys
}

func newTestEnv(t *testing.T, partitions int32) *testEnv {
	t.Helper()
	l := memlog.New()
	l.CreateStream(testStream, partitions)
	return &testEnv{
		log:   l,
		store: state.NewMemory(),
		sink:  &recordingSink{},
		cfg: Config{
			Bridge:            "orders",
			Scope:             "shop",
			Streams:           []string{"orders"},
			StreamConfig:      streamlog.StreamConfig{Partitions: partitions},
			StartAt:           streamlog.StartEarliest,
			MaxLeases:         1,
			CheckpointPeriod:  time.Hour,
			CheckpointTimeout: time.Second,
			StopTimeout:       time.Second,
			MinProcessingTime: 20 * time.Millisecond,
			BatchSize:         100,
		},
		keys: KeysFor("shop", []string{"orders"}),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (e *testEnv) deps(isLeader bool) Deps {
	return Deps{
		Store:  e.store,
		Leader: leader.Static(isLeader),
		Client: e.log.Client(),
		Sink:   e.sink,
		Logger: testLogger(),
	}
}

func (e *testEnv) open(t *testing.T) *Pool {
	t.Helper()
	p, err := Open(context.Background(), e.cfg, e.deps(true))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if p == nil {
		t.Fatal("Open() returned not ready for leader")
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func (e *testEnv) appendN(t *testing.T, partition int32, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := e.log.Append(testStream, partition, nil, []byte(fmt.Sprintf("event-%d", i)), nil); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
}

func (e *testEnv) storedCut(t *testing.T) streamlog.StreamCut {
	t.Helper()
	cut, _, err := LoadCheckpoint(context.Background(), e.store, e.keys)
	if err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	return cut
}

// readOnce leases a reader, runs one cycle and releases it.
func readOnce(t *testing.T, p *Pool) (bool, error) {
	t.Helper()
	l := p.ObtainLease(context.Background(), "test")
	if l == nil {
		t.Fatal("ObtainLease() = nil")
	}
	defer l.Close()
	return l.ReadEvents(context.Background())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func equalOffsets(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
