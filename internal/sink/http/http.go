// Package http forwards events as HTTP requests, one request per event.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lsm/fiso-ingest/internal/retry"
	"github.com/lsm/fiso-ingest/internal/sink"
	"github.com/lsm/fiso-ingest/internal/streamlog"
	"github.com/lsm/fiso-ingest/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultContentType = "application/octet-stream"

	// drainLimit bounds how much of an error response body is read so the
	// connection can be reused.
	drainLimit = 64 << 10
)

// Config describes the target endpoint.
type Config struct {
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration
	Retry   retry.Config

	// RateLimit caps requests per second across all readers of the bridge.
	// Zero is unlimited.
	RateLimit float64
}

// Sink delivers each event value as a request body. Event headers, the
// correlation id and the stream position travel as request headers.
type Sink struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer
}

var _ sink.Sink = (*Sink)(nil)

// NewSink validates cfg and creates the sink. Without a retry bound each
// event gets a single attempt.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate limit %v must not be negative", cfg.RateLimit)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.Retry.MaxAttempts = max(cfg.Retry.MaxAttempts, 1)
	cfg.Retry = cfg.Retry.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Sink{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With("target", cfg.URL),
		tracer:  noop.NewTracerProvider().Tracer("http-sink"),
	}, nil
}

// SetTracer replaces the no-op tracer.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Forward delivers ev, retrying transport errors, 5xx and 429 responses.
// Other 4xx responses fail at once.
func (s *Sink) Forward(ctx context.Context, ev streamlog.Event) error {
	headers, corrID := sink.Headers(ev)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanHTTPDeliver, trace.WithAttributes(
		append(tracing.EventAttrs(ev.Stream, ev.Partition, ev.Offset),
			tracing.HTTPTargetAttr(s.cfg.URL),
			tracing.CorrelationAttr(corrID.Value),
		)...,
	))
	defer span.End()
	tracing.Inject(ctx, headers)

	start := time.Now()
	var attempts int
	err := retry.Do(ctx, s.cfg.Retry, func(attempt int) error {
		attempts = attempt + 1
		if err := s.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		status, err := s.send(ctx, ev.Value, headers)
		if status > 0 {
			span.SetAttributes(tracing.HTTPStatusAttr(status))
		}
		return err
	})
	if err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("delivery failed",
			"correlation_id", corrID.Value,
			"stream", ev.Stream,
			"offset", ev.Offset,
			"attempts", attempts,
			"error", err,
		)
		return fmt.Errorf("http delivery: %w", err)
	}

	tracing.SetSpanOK(span)
	s.logger.Debug("event delivered",
		"correlation_id", corrID.Value,
		"attempts", attempts,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Close drops idle keep-alive connections.
func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// send performs one request and classifies the outcome for retry.Do.
func (s *Sink) send(ctx context.Context, body []byte, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, s.cfg.Method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	// Per-event headers win over configured ones.
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", defaultContentType)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

	if resp.StatusCode/100 == 2 {
		return resp.StatusCode, nil
	}
	statusErr := &StatusError{Code: resp.StatusCode}
	if !statusErr.Retryable() {
		return resp.StatusCode, retry.Permanent(statusErr)
	}
	return resp.StatusCode, statusErr
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d %s", e.Code, http.StatusText(e.Code))
}

// Retryable reports whether the endpoint may accept the same request later:
// server errors, 429, and anything outside the 4xx range.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code/100 != 4
}
