// Package stdout writes forwarded events as JSON lines.
package stdout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lsm/fiso-ingest/internal/sink"
	"github.com/lsm/fiso-ingest/internal/streamlog"
)

// line is the JSON shape of one event. Non-UTF-8 keys and values are
// emitted base64-encoded with the matching *Encoding field set.
type line struct {
	Stream        string            `json:"stream"`
	Partition     int32             `json:"partition"`
	Offset        int64             `json:"offset"`
	Timestamp     time.Time         `json:"timestamp,omitzero"`
	Key           any               `json:"key,omitempty"`
	KeyEncoding   string            `json:"keyEncoding,omitempty"`
	Value         any               `json:"value"`
	ValueEncoding string            `json:"valueEncoding,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Sink writes one JSON object per event.
type Sink struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer
}

var _ sink.Sink = (*Sink)(nil)

// New creates a sink writing to w, or to os.Stdout when w is nil.
func New(w io.Writer) *Sink {
	if w == nil {
		w = os.Stdout
	}
	return &Sink{enc: json.NewEncoder(w), w: w}
}

// Forward writes ev as one line.
func (s *Sink) Forward(_ context.Context, ev streamlog.Event) error {
	headers, _ := sink.Headers(ev)
	l := line{
		Stream:    ev.Stream,
		Partition: ev.Partition,
		Offset:    ev.Offset,
		Timestamp: ev.Timestamp,
		Headers:   headers,
	}
	if len(ev.Key) > 0 {
		l.Key, l.KeyEncoding = payload(ev.Key)
	}
	l.Value, l.ValueEncoding = payload(ev.Value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(l); err != nil {
		return fmt.Errorf("stdout sink: %w", err)
	}
	return nil
}

// Close is a no-op; the writer is owned by the caller.
func (s *Sink) Close() error { return nil }

func payload(b []byte) (any, string) {
	if utf8.Valid(b) {
		if json.Valid(b) {
			return json.RawMessage(b), ""
		}
		return string(b), ""
	}
	return b, "base64"
}
