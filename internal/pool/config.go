package pool

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lsm/fiso-ingest/internal/streamlog"
)

const (
	DefaultCheckpointPeriod  = time.Second
	DefaultCheckpointTimeout = 10 * time.Second
	DefaultStopTimeout       = 60 * time.Second
	DefaultMinProcessingTime = 100 * time.Millisecond
	DefaultBatchSize         = 1000
	DefaultMaxLeases         = 1
)

// Config is the immutable configuration of one pool.
type Config struct {
	// Bridge names the pool in logs and metrics.
	Bridge string

	Scope        string
	Streams      []string
	StreamConfig streamlog.StreamConfig
	StartAt      streamlog.StartPosition

	MaxLeases         int
	CheckpointPeriod  time.Duration
	CheckpointTimeout time.Duration
	StopTimeout       time.Duration
	MinProcessingTime time.Duration
	BatchSize         int

	// ReaderGroupName overrides the name derived from scope and streams.
	ReaderGroupName string
}

// WithDefaults fills unset fields with the package defaults.
func (c Config) WithDefaults() Config {
	if c.StartAt == "" {
		c.StartAt = streamlog.StartLatest
	}
	if c.MaxLeases <= 0 {
		c.MaxLeases = DefaultMaxLeases
	}
	if c.CheckpointPeriod <= 0 {
		c.CheckpointPeriod = DefaultCheckpointPeriod
	}
	if c.CheckpointTimeout <= 0 {
		c.CheckpointTimeout = DefaultCheckpointTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.MinProcessingTime <= 0 {
		c.MinProcessingTime = DefaultMinProcessingTime
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Bridge == "" {
		c.Bridge = c.Scope + "/" + strings.Join(c.Streams, ",")
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Scope == "" {
		errs = append(errs, errors.New("scope is required"))
	}
	if len(c.Streams) == 0 {
		errs = append(errs, errors.New("at least one stream is required"))
	}
	seen := make(map[string]bool, len(c.Streams))
	for _, s := range c.Streams {
		switch {
		case s == "":
			errs = append(errs, errors.New("stream name must not be empty"))
		case strings.ContainsAny(s, "/,"):
			errs = append(errs, fmt.Errorf("stream %q: name must not contain '/' or ','", s))
		case seen[s]:
			errs = append(errs, fmt.Errorf("stream %q listed twice", s))
		}
		seen[s] = true
	}
	if strings.Contains(c.Scope, "/") {
		errs = append(errs, fmt.Errorf("scope %q: name must not contain '/'", c.Scope))
	}
	if c.StartAt != streamlog.StartEarliest && c.StartAt != streamlog.StartLatest {
		errs = append(errs, fmt.Errorf("invalid start position %q", c.StartAt))
	}
	return errors.Join(errs...)
}
