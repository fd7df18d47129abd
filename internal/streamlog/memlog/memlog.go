// Package memlog is an in-process partitioned stream log with reader groups.
// It backs the memory stream backend and the pool tests.
package memlog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsm/fiso-ingest/internal/streamlog"
)

// ErrClosed is returned by a Client after Close.
var ErrClosed = errors.New("memlog: client closed")

// ReadHook runs at the start of every Read, outside the log lock. A non-nil
// error is returned from Read.
type ReadHook func(ctx context.Context, readerID string) error

// CommitHook runs at the start of every Commit. A non-nil error is returned
// from Commit.
type CommitHook func(readerID string) error

// Log holds streams and reader groups.
type Log struct {
	mu         sync.Mutex
	streams    map[string][]*partition
	groups     map[string]*group
	notify     chan struct{}
	readHook   ReadHook
	commitHook CommitHook
}

type partition struct {
	start   int64
	records []record
}

func (p *partition) end() int64 {
	return p.start + int64(len(p.records))
}

type record struct {
	key     []byte
	value   []byte
	headers map[string]string
	ts      time.Time
}

type partKey struct {
	stream    string
	partition int32
}

// New creates an empty log.
func New() *Log {
	return &Log{
		streams: make(map[string][]*partition),
		groups:  make(map[string]*group),
		notify:  make(chan struct{}),
	}
}

// CreateStream creates a stream with the given number of partitions. It is a
// no-op if the stream exists.
func (l *Log) CreateStream(name string, partitions int32) {
	if partitions <= 0 {
		partitions = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.streams[name]; ok {
		return
	}
	parts := make([]*partition, partitions)
	for i := range parts {
		parts[i] = &partition{}
	}
	l.streams[name] = parts
}

// Append adds a record to a partition and returns its offset.
func (l *Log) Append(stream string, partition int32, key, value []byte, headers map[string]string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.partition(stream, partition)
	if err != nil {
		return 0, err
	}
	off := p.end()
	p.records = append(p.records, record{key: key, value: value, headers: headers, ts: time.Now()})
	l.broadcast()
	return off, nil
}

// Trim discards records below offset before, moving the earliest available
// position of the partition.
func (l *Log) Trim(stream string, partition int32, before int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.partition(stream, partition)
	if err != nil {
		return err
	}
	if before <= p.start {
		return nil
	}
	if before > p.end() {
		before = p.end()
	}
	p.records = p.records[before-p.start:]
	p.start = before
	return nil
}

// Bounds returns the earliest and next offsets of a partition.
func (l *Log) Bounds(stream string, partition int32) (start, end int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.partition(stream, partition)
	if err != nil {
		return 0, 0, err
	}
	return p.start, p.end(), nil
}

// SetReadHook installs a hook run by every reader on Read.
func (l *Log) SetReadHook(h ReadHook) {
	l.mu.Lock()
	l.readHook = h
	l.mu.Unlock()
}

// SetCommitHook installs a hook run by every reader on Commit.
func (l *Log) SetCommitHook(h CommitHook) {
	l.mu.Lock()
	l.commitHook = h
	l.mu.Unlock()
}

// Committed returns the committed progress of a group, or false if the
// group does not exist.
func (l *Log) Committed(group string) (streamlog.StreamCut, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.groups[group]
	if !ok {
		return nil, false
	}
	return g.committed.Clone(), true
}

// Members returns the number of readers in a group.
func (l *Log) Members(group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if g, ok := l.groups[group]; ok {
		return len(g.members)
	}
	return 0
}

// Client returns a new client on the log. Closing the client does not
// discard the log.
func (l *Log) Client() *Client {
	return &Client{log: l}
}

// partition must be called with l.mu held.
func (l *Log) partition(stream string, partition int32) (*partition, error) {
	parts, ok := l.streams[stream]
	if !ok {
		return nil, fmt.Errorf("memlog: unknown stream %q", stream)
	}
	if partition < 0 || int(partition) >= len(parts) {
		return nil, fmt.Errorf("memlog: stream %q has no partition %d", stream, partition)
	}
	return parts[partition], nil
}

// broadcast wakes waiting readers. Must be called with l.mu held.
func (l *Log) broadcast() {
	close(l.notify)
	l.notify = make(chan struct{})
}

// Client implements streamlog.Client on a Log.
type Client struct {
	log    *Log
	closed atomic.Bool
}

var _ streamlog.Client = (*Client)(nil)

// EnsureStreams creates missing streams with cfg.Partitions partitions.
func (c *Client) EnsureStreams(_ context.Context, streams []string, cfg streamlog.StreamConfig) error {
	if c.closed.Load() {
		return ErrClosed
	}
	for _, s := range streams {
		c.log.CreateStream(s, cfg.Partitions)
	}
	return nil
}

// CreateReaderGroup creates a group positioned at cfg.StartCut where it names
// a partition and at cfg.StartAt elsewhere.
func (c *Client) CreateReaderGroup(_ context.Context, name string, cfg streamlog.GroupConfig) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}

	l := c.log
	l.mu.Lock()
	defer l.mu.Unlock()

	if g, ok := l.groups[name]; ok {
		if !streamlog.SameStreams(g.streams, cfg.Streams) {
			return false, fmt.Errorf("%w: %s reads %v, not %v", streamlog.ErrGroupMismatch, name, g.streams, cfg.Streams)
		}
		return false, nil
	}

	committed := streamlog.StreamCut{}
	for _, s := range cfg.Streams {
		parts, ok := l.streams[s]
		if !ok {
			return false, fmt.Errorf("memlog: unknown stream %q", s)
		}
		for i, p := range parts {
			id := int32(i)
			var off int64
			if cut, ok := cfg.StartCut.Offset(s, id); ok {
				off = max(cut, p.start)
			} else if cfg.StartAt == streamlog.StartEarliest {
				off = p.start
			} else {
				off = p.end()
			}
			committed.Set(s, id, off)
		}
	}

	l.groups[name] = &group{
		name:      name,
		streams:   append([]string(nil), cfg.Streams...),
		committed: committed,
		members:   make(map[string]*Reader),
	}
	return true, nil
}

// OpenReaderGroup returns a handle to an existing group.
func (c *Client) OpenReaderGroup(_ context.Context, name string, cfg streamlog.GroupConfig) (streamlog.ReaderGroup, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	c.log.mu.Lock()
	defer c.log.mu.Unlock()

	g, ok := c.log.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", streamlog.ErrGroupNotFound, name)
	}
	if len(cfg.Streams) > 0 && !streamlog.SameStreams(g.streams, cfg.Streams) {
		return nil, fmt.Errorf("%w: %s reads %v, not %v", streamlog.ErrGroupMismatch, name, g.streams, cfg.Streams)
	}
	return &groupHandle{log: c.log, group: g}, nil
}

// Close marks the client closed.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

type group struct {
	name       string
	streams    []string
	committed  streamlog.StreamCut
	members    map[string]*Reader
	generation int
}

// assignment returns the partitions owned by member id. Partitions are dealt
// round-robin over members sorted by id. Must be called with the log lock held.
func (g *group) assignment(l *Log, id string) []partKey {
	ids := make([]string, 0, len(g.members))
	for m := range g.members {
		ids = append(ids, m)
	}
	sort.Strings(ids)
	idx := sort.SearchStrings(ids, id)
	if idx == len(ids) || ids[idx] != id {
		return nil
	}

	var owned []partKey
	n := 0
	for _, s := range g.streams {
		for i := range l.streams[s] {
			if n%len(ids) == idx {
				owned = append(owned, partKey{stream: s, partition: int32(i)})
			}
			n++
		}
	}
	return owned
}

type groupHandle struct {
	log   *Log
	group *group
}

func (h *groupHandle) Name() string { return h.group.name }

func (h *groupHandle) NewReader(_ context.Context, id string) (streamlog.Reader, error) {
	h.log.mu.Lock()
	defer h.log.mu.Unlock()

	if _, ok := h.group.members[id]; ok {
		return nil, fmt.Errorf("memlog: reader %q already in group %q", id, h.group.name)
	}
	r := &Reader{
		log:        h.log,
		group:      h.group,
		id:         id,
		generation: -1,
		positions:  streamlog.StreamCut{},
	}
	h.group.members[id] = r
	h.group.generation++
	return r, nil
}

func (h *groupHandle) Committed(_ context.Context) (streamlog.StreamCut, error) {
	h.log.mu.Lock()
	defer h.log.mu.Unlock()
	return h.group.committed.Clone(), nil
}

func (h *groupHandle) Close() error { return nil }

// Reader is a group member reading its assigned partitions.
type Reader struct {
	log        *Log
	group      *group
	id         string
	generation int
	owned      []partKey
	positions  streamlog.StreamCut
	cursor     int
	closed     bool
}

var _ streamlog.Reader = (*Reader)(nil)

func (r *Reader) ID() string { return r.id }

// Read returns events from owned partitions, waiting up to wait for data.
// A non-positive max means no limit.
func (r *Reader) Read(ctx context.Context, max int, wait time.Duration) ([]streamlog.Event, error) {
	r.log.mu.Lock()
	hook := r.log.readHook
	r.log.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, r.id); err != nil {
			return nil, err
		}
	}

	if max <= 0 {
		max = math.MaxInt
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		r.log.mu.Lock()
		if r.closed {
			r.log.mu.Unlock()
			return nil, streamlog.ErrReaderClosed
		}
		r.sync()
		events := r.collect(max)
		notify := r.log.notify
		r.log.mu.Unlock()

		if len(events) > 0 {
			return events, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

// sync applies the current group assignment. Partitions kept across a
// reassignment keep their read position; newly owned ones start at the
// group's committed position. Must be called with the log lock held.
func (r *Reader) sync() {
	if r.generation == r.group.generation {
		return
	}
	owned := r.group.assignment(r.log, r.id)
	positions := streamlog.StreamCut{}
	for _, pk := range owned {
		off, ok := r.positions.Offset(pk.stream, pk.partition)
		if !ok {
			off, _ = r.group.committed.Offset(pk.stream, pk.partition)
		}
		positions.Set(pk.stream, pk.partition, off)
	}
	r.owned = owned
	r.positions = positions
	r.generation = r.group.generation
	r.cursor = 0
}

// collect takes up to max events, visiting partitions round-robin. Must be
// called with the log lock held.
func (r *Reader) collect(max int) []streamlog.Event {
	var out []streamlog.Event
	for i := 0; i < len(r.owned) && len(out) < max; i++ {
		pk := r.owned[(r.cursor+i)%len(r.owned)]
		p := r.log.streams[pk.stream][pk.partition]
		pos, _ := r.positions.Offset(pk.stream, pk.partition)
		if pos < p.start {
			pos = p.start
		}
		for pos < p.end() && len(out) < max {
			rec := p.records[pos-p.start]
			out = append(out, streamlog.Event{
				Stream:    pk.stream,
				Partition: pk.partition,
				Offset:    pos,
				Key:       rec.key,
				Value:     rec.value,
				Headers:   rec.headers,
				Timestamp: rec.ts,
			})
			pos++
		}
		r.positions.Set(pk.stream, pk.partition, pos)
	}
	if len(r.owned) > 0 {
		r.cursor = (r.cursor + 1) % len(r.owned)
	}
	return out
}

// Position returns the next offset of every owned partition.
func (r *Reader) Position() streamlog.StreamCut {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	return r.positions.Clone()
}

// Commit advances the group's committed progress to the reader's position on
// the partitions it owns.
func (r *Reader) Commit(_ context.Context) error {
	r.log.mu.Lock()
	hook := r.log.commitHook
	r.log.mu.Unlock()
	if hook != nil {
		if err := hook(r.id); err != nil {
			return err
		}
	}

	r.log.mu.Lock()
	defer r.log.mu.Unlock()

	if r.closed {
		return streamlog.ErrReaderClosed
	}
	r.sync()
	for _, pk := range r.owned {
		off, _ := r.positions.Offset(pk.stream, pk.partition)
		r.group.committed.Advance(pk.stream, pk.partition, off)
	}
	return nil
}

// Release is a no-op: reassignment is applied at the next Read.
func (r *Reader) Release() {}

// Close leaves the group. Uncommitted progress is discarded.
func (r *Reader) Close() error {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	delete(r.group.members, r.id)
	r.group.generation++
	r.log.broadcast()
	return nil
}
