// Package kafkalog implements streamlog on Kafka. Streams are topics and a
// reader group is a consumer group whose committed offsets are the group's
// progress.
package kafkalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/fiso-ingest/internal/kafka"
	"github.com/lsm/fiso-ingest/internal/streamlog"
)

// admin abstracts the kadm calls used by the client for testing.
type admin interface {
	ListTopics(ctx context.Context, topics ...string) (kadm.TopicDetails, error)
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
	ListStartOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	ListEndOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	FetchOffsets(ctx context.Context, group string) (kadm.OffsetResponses, error)
	CommitOffsets(ctx context.Context, group string, os kadm.Offsets) (kadm.OffsetResponses, error)
}

// groupConsumer abstracts the kgo group member used by a reader for testing.
type groupConsumer interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	AllowRebalance()
	Close()
}

// Config configures the Kafka connection.
type Config struct {
	Cluster  *kafka.ClusterConfig
	ClientID string
}

// Client implements streamlog.Client on a Kafka cluster.
type Client struct {
	closer      func()
	adm         admin
	base        []kgo.Opt
	newConsumer func(opts ...kgo.Opt) (groupConsumer, error)
	logger      *slog.Logger
}

var _ streamlog.Client = (*Client)(nil)

// New connects an admin client to the cluster. Readers get their own
// connections.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Cluster == nil {
		return nil, errors.New("kafkalog: cluster config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("kafkalog: %w", err)
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafkalog: create client: %w", err)
	}

	return &Client{
		closer:      cl.Close,
		adm:         kadm.NewClient(cl),
		base:        opts,
		newConsumer: newKgoConsumer,
		logger:      logger,
	}, nil
}

func newKgoConsumer(opts ...kgo.Opt) (groupConsumer, error) {
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// EnsureStreams creates missing topics. A topic created concurrently by
// another node is not an error.
func (c *Client) EnsureStreams(ctx context.Context, streams []string, cfg streamlog.StreamConfig) error {
	details, err := c.adm.ListTopics(ctx, streams...)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	var missing []string
	for _, s := range streams {
		if d, ok := details[s]; ok && d.Err == nil {
			continue
		}
		missing = append(missing, s)
	}
	if len(missing) == 0 {
		return nil
	}

	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = -1
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = -1
	}
	var configs map[string]*string
	if cfg.Retention > 0 {
		ms := strconv.FormatInt(cfg.Retention.Milliseconds(), 10)
		configs = map[string]*string{"retention.ms": &ms}
	}

	resps, err := c.adm.CreateTopics(ctx, partitions, replication, configs, missing...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}

	var errs []error
	for topic, resp := range resps {
		switch {
		case resp.Err == nil:
			c.logger.Info("topic created", "topic", topic, "partitions", resp.NumPartitions)
		case errors.Is(resp.Err, kerr.TopicAlreadyExists):
		default:
			errs = append(errs, fmt.Errorf("create topic %s: %w", topic, resp.Err))
		}
	}
	return errors.Join(errs...)
}

// CreateReaderGroup seeds the consumer group's committed offsets. A group
// that already has committed offsets on any of the topics is joined as is. A
// group with commits on topics outside cfg.Streams belongs to another stream
// set and is refused.
func (c *Client) CreateReaderGroup(ctx context.Context, name string, cfg streamlog.GroupConfig) (bool, error) {
	existing, foreign, err := c.fetchCommitted(ctx, name, cfg.Streams)
	if err != nil {
		return false, err
	}
	if len(foreign) > 0 {
		return false, fmt.Errorf("%w: %s has offsets for %v", streamlog.ErrGroupMismatch, name, foreign)
	}
	if !existing.IsEmpty() {
		return false, nil
	}

	starts, err := c.adm.ListStartOffsets(ctx, cfg.Streams...)
	if err != nil {
		return false, fmt.Errorf("list start offsets: %w", err)
	}
	initial := starts
	if cfg.StartAt != streamlog.StartEarliest {
		if initial, err = c.adm.ListEndOffsets(ctx, cfg.Streams...); err != nil {
			return false, fmt.Errorf("list end offsets: %w", err)
		}
	}

	offsets := make(kadm.Offsets)
	var errs []error
	for topic, parts := range initial {
		for p, lo := range parts {
			if lo.Err != nil {
				errs = append(errs, fmt.Errorf("offset %s/%d: %w", topic, p, lo.Err))
				continue
			}
			at := lo.Offset
			if cut, ok := cfg.StartCut.Offset(topic, p); ok {
				at = cut
				if earliest, ok := starts[topic][p]; ok && earliest.Err == nil && earliest.Offset > at {
					at = earliest.Offset
				}
			}
			offsets.Add(kadm.Offset{Topic: topic, Partition: p, At: at, LeaderEpoch: -1})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return false, err
	}

	resps, err := c.adm.CommitOffsets(ctx, name, offsets)
	if err != nil {
		return false, fmt.Errorf("seed group %s: %w", name, err)
	}
	if err := resps.Error(); err != nil {
		return false, fmt.Errorf("seed group %s: %w", name, err)
	}
	return true, nil
}

// OpenReaderGroup returns a handle to the consumer group. Kafka creates the
// group when the first reader joins.
func (c *Client) OpenReaderGroup(_ context.Context, name string, cfg streamlog.GroupConfig) (streamlog.ReaderGroup, error) {
	reset := kgo.NewOffset().AtEnd()
	if cfg.StartAt == streamlog.StartEarliest {
		reset = kgo.NewOffset().AtStart()
	}
	return &readerGroup{
		client: c,
		name:   name,
		topics: append([]string(nil), cfg.Streams...),
		reset:  reset,
	}, nil
}

// Close closes the admin connection.
func (c *Client) Close() error {
	if c.closer != nil {
		c.closer()
	}
	return nil
}

func (c *Client) committed(ctx context.Context, group string, topics []string) (streamlog.StreamCut, error) {
	cut, _, err := c.fetchCommitted(ctx, group, topics)
	return cut, err
}

// fetchCommitted returns the group's progress on topics and the sorted
// names of any other topics it has committed offsets for.
func (c *Client) fetchCommitted(ctx context.Context, group string, topics []string) (streamlog.StreamCut, []string, error) {
	resps, err := c.adm.FetchOffsets(ctx, group)
	if err != nil {
		if errors.Is(err, kerr.GroupIDNotFound) {
			return streamlog.StreamCut{}, nil, nil
		}
		return nil, nil, fmt.Errorf("fetch offsets for %s: %w", group, err)
	}

	var foreign []string
	for topic := range resps {
		if !slices.Contains(topics, topic) {
			foreign = append(foreign, topic)
		}
	}
	slices.Sort(foreign)

	cut := streamlog.StreamCut{}
	for _, topic := range topics {
		for p, o := range resps[topic] {
			if o.Err != nil || o.At < 0 {
				continue
			}
			cut.Set(topic, p, o.At)
		}
	}
	return cut, foreign, nil
}

type readerGroup struct {
	client *Client
	name   string
	topics []string
	reset  kgo.Offset
}

func (g *readerGroup) Name() string { return g.name }

// NewReader joins the consumer group with a dedicated client. Auto-commit
// is off and rebalances wait for Release.
func (g *readerGroup) NewReader(_ context.Context, id string) (streamlog.Reader, error) {
	r := &reader{
		id:     id,
		last:   make(map[string]map[int32]*kgo.Record),
		logger: g.client.logger.With("reader", id),
	}

	opts := append(slices.Clone(g.client.base),
		kgo.ClientID(id),
		kgo.ConsumerGroup(g.name),
		kgo.ConsumeTopics(g.topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(g.reset),
		kgo.OnPartitionsRevoked(r.forget),
		kgo.OnPartitionsLost(r.forget),
	)
	cons, err := g.client.newConsumer(opts...)
	if err != nil {
		return nil, fmt.Errorf("create reader %s: %w", id, err)
	}
	r.cons = cons
	return r, nil
}

func (g *readerGroup) Committed(ctx context.Context) (streamlog.StreamCut, error) {
	return g.client.committed(ctx, g.name, g.topics)
}

func (g *readerGroup) Close() error { return nil }

type reader struct {
	id     string
	cons   groupConsumer
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]map[int32]*kgo.Record

	closeOnce sync.Once
}

func (r *reader) ID() string { return r.id }

func (r *reader) Read(ctx context.Context, max int, wait time.Duration) ([]streamlog.Event, error) {
	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	fetches := r.cons.PollRecords(pollCtx, max)
	if fetches.IsClientClosed() {
		return nil, streamlog.ErrReaderClosed
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return nil, fmt.Errorf("fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
	}

	events := make([]streamlog.Event, 0, fetches.NumRecords())
	r.mu.Lock()
	fetches.EachRecord(func(rec *kgo.Record) {
		events = append(events, toEvent(rec))
		parts, ok := r.last[rec.Topic]
		if !ok {
			parts = make(map[int32]*kgo.Record)
			r.last[rec.Topic] = parts
		}
		parts[rec.Partition] = rec
	})
	r.mu.Unlock()
	return events, nil
}

func (r *reader) Position() streamlog.StreamCut {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := streamlog.StreamCut{}
	for topic, parts := range r.last {
		for p, rec := range parts {
			cut.Set(topic, p, rec.Offset+1)
		}
	}
	return cut
}

func (r *reader) Commit(ctx context.Context) error {
	r.mu.Lock()
	var recs []*kgo.Record
	for _, parts := range r.last {
		for _, rec := range parts {
			recs = append(recs, rec)
		}
	}
	r.mu.Unlock()

	if len(recs) == 0 {
		return nil
	}
	if err := r.cons.CommitRecords(ctx, recs...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

func (r *reader) Release() {
	r.cons.AllowRebalance()
}

func (r *reader) Close() error {
	r.closeOnce.Do(r.cons.Close)
	return nil
}

// forget drops delivery state for partitions taken away by a rebalance.
func (r *reader) forget(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic, parts := range revoked {
		for _, p := range parts {
			delete(r.last[topic], p)
		}
	}
	r.logger.Debug("partitions revoked", "partitions", revoked)
}

func toEvent(rec *kgo.Record) streamlog.Event {
	var headers map[string]string
	if len(rec.Headers) > 0 {
		headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			headers[h.Key] = string(h.Value)
		}
	}
	return streamlog.Event{
		Stream:    rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   headers,
		Timestamp: rec.Timestamp,
	}
}
