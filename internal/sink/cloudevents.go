package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/lsm/fiso-ingest/internal/streamlog"
)

// Envelope formats.
const (
	EnvelopeNone        = ""
	EnvelopeCloudEvents = "cloudevents"
)

// ContentTypeCloudEvents is the content type of a structured-mode CloudEvent.
const ContentTypeCloudEvents = "application/cloudevents+json"

const defaultEventType = "fiso.ingest.event"

// CloudEventsConfig sets the envelope attributes.
type CloudEventsConfig struct {
	Type   string // default fiso.ingest.event
	Source string // default fiso-ingest
}

// cloudEvents wraps every event value in a structured-mode CloudEvent
// before handing it to the next sink.
type cloudEvents struct {
	next Sink
	cfg  CloudEventsConfig
}

// WithCloudEvents wraps next so each event is delivered as a CloudEvent.
func WithCloudEvents(next Sink, cfg CloudEventsConfig) Sink {
	if cfg.Type == "" {
		cfg.Type = defaultEventType
	}
	if cfg.Source == "" {
		cfg.Source = "fiso-ingest"
	}
	return &cloudEvents{next: next, cfg: cfg}
}

func (c *cloudEvents) Forward(ctx context.Context, ev streamlog.Event) error {
	body, err := NewCloudEvent(ev, c.cfg)
	if err != nil {
		return err
	}
	headers := make(map[string]string, len(ev.Headers)+1)
	maps.Copy(headers, ev.Headers)
	headers["content-type"] = ContentTypeCloudEvents

	ev.Value = body
	ev.Headers = headers
	return c.next.Forward(ctx, ev)
}

func (c *cloudEvents) Close() error { return c.next.Close() }

// NewCloudEvent encodes ev as a structured-mode CloudEvent. The id is the
// event's stream position, so a redelivered event keeps its id. JSON values
// are embedded as data; anything else is carried as data_base64.
func NewCloudEvent(ev streamlog.Event, cfg CloudEventsConfig) ([]byte, error) {
	ce := event.New()
	ce.SetID(ev.Stream + "/" + strconv.FormatInt(int64(ev.Partition), 10) + "/" + strconv.FormatInt(ev.Offset, 10))
	ce.SetSource(cfg.Source)
	ce.SetType(cfg.Type)
	ce.SetSubject(ev.Stream)

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ce.SetTime(ts.UTC())

	if len(ev.Key) > 0 && utf8.Valid(ev.Key) {
		ce.SetExtension("partitionkey", string(ev.Key))
	}

	var err error
	if json.Valid(ev.Value) {
		err = ce.SetData(event.ApplicationJSON, json.RawMessage(ev.Value))
	} else {
		err = ce.SetData("application/octet-stream", ev.Value)
	}
	if err != nil {
		return nil, fmt.Errorf("cloudevent data: %w", err)
	}
	if err := ce.Validate(); err != nil {
		return nil, fmt.Errorf("cloudevent: %w", err)
	}

	b, err := json.Marshal(ce)
	if err != nil {
		return nil, fmt.Errorf("marshal cloudevent: %w", err)
	}
	return b, nil
}
