// Package streamlog defines the reader-group view of a partitioned event log.
//
// A Client manages streams and reader groups. A ReaderGroup is a named,
// shared unit of consumption: the readers created from it split the
// partitions of the group's streams between them without overlap and record
// their progress in the group.
package streamlog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrReaderClosed is returned by Reader operations after Close.
	ErrReaderClosed = errors.New("streamlog: reader closed")

	// ErrGroupNotFound is returned by OpenReaderGroup when the backend has no
	// record of the named group.
	ErrGroupNotFound = errors.New("streamlog: reader group not found")

	// ErrGroupMismatch is returned when an existing group of the requested
	// name reads a different set of streams.
	ErrGroupMismatch = errors.New("streamlog: reader group streams differ")
)

// StartPosition selects where a newly created reader group starts in streams
// for which no stream cut is known.
type StartPosition string

const (
	StartEarliest StartPosition = "earliest"
	StartLatest   StartPosition = "latest"
)

// ParseStartPosition parses a start position, defaulting to latest when empty.
func ParseStartPosition(s string) (StartPosition, error) {
	switch StartPosition(strings.ToLower(strings.TrimSpace(s))) {
	case "", StartLatest:
		return StartLatest, nil
	case StartEarliest:
		return StartEarliest, nil
	default:
		return "", fmt.Errorf("invalid start position %q (must be earliest or latest)", s)
	}
}

// Event is one record read from a stream partition.
type Event struct {
	Stream    string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// StreamConfig describes how streams are created when they do not exist.
// Zero values leave the choice to the backend.
type StreamConfig struct {
	Partitions        int32         `yaml:"partitions,omitempty"`
	ReplicationFactor int16         `yaml:"replicationFactor,omitempty"`
	Retention         time.Duration `yaml:"retention,omitempty"`
}

// GroupConfig describes the streams a reader group consumes and where it
// starts. StartCut takes precedence over StartAt for the partitions it names.
type GroupConfig struct {
	Streams  []string
	StartCut StreamCut
	StartAt  StartPosition
}

// Client is a connection to a stream log backend.
type Client interface {
	// EnsureStreams creates any of the named streams that do not exist yet.
	EnsureStreams(ctx context.Context, streams []string, cfg StreamConfig) error

	// CreateReaderGroup creates the named group. It reports created == false
	// when the group already exists, in which case the existing group is left
	// untouched. An existing group reading other streams fails with
	// ErrGroupMismatch.
	CreateReaderGroup(ctx context.Context, name string, cfg GroupConfig) (created bool, err error)

	// OpenReaderGroup returns a handle to an existing group. A group reading
	// other streams than cfg.Streams fails with ErrGroupMismatch where the
	// backend can tell.
	OpenReaderGroup(ctx context.Context, name string, cfg GroupConfig) (ReaderGroup, error)

	Close() error
}

// ReaderGroup is a handle to a named reader group.
type ReaderGroup interface {
	Name() string

	// NewReader joins the group with a new reader. Partitions are
	// redistributed across the group's readers.
	NewReader(ctx context.Context, id string) (Reader, error)

	// Committed returns the progress recorded by the group's readers.
	Committed(ctx context.Context) (StreamCut, error)

	Close() error
}

// Reader reads events from the partitions currently assigned to it.
type Reader interface {
	ID() string

	// Read returns at most max events, waiting up to wait for at least one.
	// An empty result with a nil error means nothing arrived in time.
	// Events of one partition are returned in log order.
	Read(ctx context.Context, max int, wait time.Duration) ([]Event, error)

	// Position is the next offset to read for every partition this reader
	// has returned events from.
	Position() StreamCut

	// Commit records Position as the group's progress for the partitions
	// the reader still owns.
	Commit(ctx context.Context) error

	// Release ends a read cycle. Partition reassignment may proceed until the
	// next Read.
	Release()

	Close() error
}

// Qualify prefixes each stream name with its scope. Names are returned
// unchanged for an empty scope.
func Qualify(scope string, streams []string) []string {
	out := make([]string, len(streams))
	for i, s := range streams {
		if scope == "" {
			out[i] = s
			continue
		}
		out[i] = scope + "." + s
	}
	return out
}

// SameStreams reports whether a and b name the same streams in any order.
func SameStreams(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
