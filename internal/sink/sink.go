// Package sink defines where consumed events are forwarded.
package sink

import (
	"context"
	"maps"
	"strconv"

	"github.com/lsm/fiso-ingest/internal/correlation"
	"github.com/lsm/fiso-ingest/internal/streamlog"
)

// Position headers added to every forwarded event.
const (
	HeaderStream    = "fiso-stream"
	HeaderPartition = "fiso-partition"
	HeaderOffset    = "fiso-offset"
)

// Sink receives consumed events, one call per event.
type Sink interface {
	// Forward delivers one event. A non-nil error faults the reader that
	// produced it; the event is redelivered from the last checkpoint.
	Forward(ctx context.Context, ev streamlog.Event) error

	// Close performs graceful shutdown.
	Close() error
}

// Func adapts a function to a Sink with a no-op Close.
type Func func(ctx context.Context, ev streamlog.Event) error

func (f Func) Forward(ctx context.Context, ev streamlog.Event) error { return f(ctx, ev) }
func (f Func) Close() error { return nil }

// Headers returns a copy of the event headers with the correlation and
// position headers set.
func Headers(ev streamlog.Event) (map[string]string, correlation.ID) {
	h := make(map[string]string, len(ev.Headers)+4)
	maps.Copy(h, ev.Headers)

	id := correlation.ForEvent(ev.Headers, ev.Stream, ev.Partition, ev.Offset)
	correlation.AddToHeaders(h, id)
	h[HeaderStream] = ev.Stream
	h[HeaderPartition] = strconv.FormatInt(int64(ev.Partition), 10)
	h[HeaderOffset] = strconv.FormatInt(ev.Offset, 10)
	return h, id
}
