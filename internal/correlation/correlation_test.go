package correlation

import (
	"testing"

	"github.com/google/uuid"
)

func TestForEvent_HeaderPriority(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		wantValue  string
		wantSource string
	}{
		{
			name: "fiso header wins",
			headers: map[string]string{
				HeaderCorrelationID:  "fiso-1",
				HeaderXCorrelationID: "x-1",
				HeaderXRequestID:     "req-1",
			},
			wantValue:  "fiso-1",
			wantSource: HeaderCorrelationID,
		},
		{
			name:       "x-correlation-id over request id",
			headers:    map[string]string{HeaderXCorrelationID: "x-1", HeaderXRequestID: "req-1"},
			wantValue:  "x-1",
			wantSource: HeaderXCorrelationID,
		},
		{
			name:       "x-request-id",
			headers:    map[string]string{HeaderXRequestID: "req-1"},
			wantValue:  "req-1",
			wantSource: HeaderXRequestID,
		},
		{
			name:       "traceparent",
			headers:    map[string]string{HeaderTraceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
			wantValue:  "4bf92f3577b34da6a3ce929d0e0e4736",
			wantSource: HeaderTraceparent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := ForEvent(tt.headers, "shop.orders", 0, 1)
			if id.Value != tt.wantValue || id.Source != tt.wantSource {
				t.Errorf("ForEvent() = %+v, want %s from %s", id, tt.wantValue, tt.wantSource)
			}
		})
	}
}

func TestForEvent_PositionIsStable(t *testing.T) {
	a := ForEvent(nil, "shop.orders", 3, 42)
	b := ForEvent(map[string]string{"other": "x"}, "shop.orders", 3, 42)
	c := ForEvent(nil, "shop.orders", 3, 43)

	if a.Source != SourcePosition {
		t.Errorf("Source = %q, want %q", a.Source, SourcePosition)
	}
	if a.Value != b.Value {
		t.Errorf("same position gave %s and %s", a.Value, b.Value)
	}
	if a.Value == c.Value {
		t.Error("different offsets should give different IDs")
	}
	if _, err := uuid.Parse(a.Value); err != nil {
		t.Errorf("derived ID is not a UUID: %v", err)
	}
}

func TestExtractOrGenerate_Generated(t *testing.T) {
	a := ExtractOrGenerate(nil)
	b := ExtractOrGenerate(map[string]string{})
	if a.Source != "generated" || a.Value == b.Value {
		t.Errorf("generated IDs = %+v, %+v", a, b)
	}
	if got := ExtractOrGenerate(map[string]string{HeaderXRequestID: "r"}); got.Value != "r" {
		t.Errorf("ExtractOrGenerate() = %+v", got)
	}
}

func TestExtractTraceID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", "4bf92f3577b34da6a3ce929d0e0e4736"},
		{"00-short-00f067aa0ba902b7-01", ""},
		{"garbage", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractTraceID(tt.in); got != tt.want {
			t.Errorf("extractTraceID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddToHeaders(t *testing.T) {
	h := AddToHeaders(nil, ID{Value: "a"})
	if h[HeaderCorrelationID] != "a" {
		t.Errorf("nil map: %v", h)
	}

	existing := map[string]string{"k": "v", HeaderCorrelationID: "old"}
	h = AddToHeaders(existing, ID{Value: "new"})
	if h["k"] != "v" || h[HeaderCorrelationID] != "new" {
		t.Errorf("existing map: %v", h)
	}
}
