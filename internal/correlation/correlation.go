// Package correlation assigns correlation IDs to forwarded events.
package correlation

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderCorrelationID  = "fiso-correlation-id"
	HeaderXCorrelationID = "x-correlation-id"
	HeaderXRequestID     = "x-request-id"
	HeaderTraceparent    = "traceparent"
)

// SourcePosition marks an ID derived from the event's stream position.
const SourcePosition = "position"

// namespace scopes position-derived IDs.
var namespace = uuid.MustParse("6f1d2a8e-3c4b-5d6e-8f90-a1b2c3d4e5f6")

type ID struct {
	Value  string
	Source string
}

// ForEvent returns the correlation ID carried by headers, or one derived
// from the event position. A redelivered event gets the same derived ID.
// Priority: fiso-correlation-id > x-correlation-id > x-request-id > traceparent > position.
func ForEvent(headers map[string]string, stream string, partition int32, offset int64) ID {
	if id, ok := fromHeaders(headers); ok {
		return id
	}
	key := stream + "/" + strconv.FormatInt(int64(partition), 10) + "/" + strconv.FormatInt(offset, 10)
	return ID{Value: uuid.NewSHA1(namespace, []byte(key)).String(), Source: SourcePosition}
}

// ExtractOrGenerate returns the correlation ID carried by headers or a new
// random UUID.
func ExtractOrGenerate(headers map[string]string) ID {
	if id, ok := fromHeaders(headers); ok {
		return id
	}
	return ID{Value: uuid.NewString(), Source: "generated"}
}

func fromHeaders(headers map[string]string) (ID, bool) {
	for _, h := range []string{HeaderCorrelationID, HeaderXCorrelationID, HeaderXRequestID} {
		if id := headers[h]; id != "" {
			return ID{Value: id, Source: h}, true
		}
	}
	if tp := headers[HeaderTraceparent]; tp != "" {
		if traceID := extractTraceID(tp); traceID != "" {
			return ID{Value: traceID, Source: HeaderTraceparent}, true
		}
	}
	return ID{}, false
}

// extractTraceID parses W3C traceparent format: version-traceid-parentid-flags
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

// AddToHeaders sets the correlation header, creating the map if nil.
func AddToHeaders(headers map[string]string, id ID) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[HeaderCorrelationID] = id.Value
	return headers
}
