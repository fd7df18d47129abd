package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lsm/fiso-ingest/internal/streamlog"
)

// Open returns a ready pool for cfg, or (nil, nil) when the pool is not
// ready yet: this node is not the leader and no reader group has been
// published. Not-ready performs no state-store write. Any other failure is
// returned as an error.
//
// The leader ensures the streams exist, creates the reader group at the
// persisted checkpoint (or at cfg.StartAt where none exists) and publishes
// the group identity. Creating a group that already exists joins it. Every
// other node joins the published group.
//
// A returned Pool owns deps.Client. On not-ready or error the caller keeps
// it.
func Open(ctx context.Context, cfg Config, deps Deps) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("pool deps: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("bridge", cfg.Bridge)

	o := &opener{
		cfg:     cfg,
		deps:    deps,
		keys:    KeysFor(cfg.Scope, cfg.Streams),
		streams: streamlog.Qualify(cfg.Scope, cfg.Streams),
		name:    cfg.ReaderGroupName,
	}
	if o.name == "" {
		o.name = GroupName(cfg.Scope, cfg.Streams)
	}
	o.logger = logger.With("reader_group", o.name)

	group, err := o.open(ctx)
	if err != nil || group == nil {
		return nil, err
	}
	logger = logger.With("reader_group", group.Name())
	logger.Info("consumer pool ready",
		"max_leases", cfg.MaxLeases,
		"checkpoint_period", cfg.CheckpointPeriod,
	)
	return newPool(cfg, o.keys, group, deps, logger), nil
}

type opener struct {
	cfg     Config
	deps    Deps
	keys    StateKeys
	streams []string
	name    string
	logger  *slog.Logger
}

func (o *opener) open(ctx context.Context) (streamlog.ReaderGroup, error) {
	raw, published, err := o.deps.Store.Get(ctx, o.keys.ReaderGroup)
	if err != nil {
		return nil, fmt.Errorf("read reader group state: %w", err)
	}
	if published {
		identity, err := DecodeGroupIdentity(raw)
		if err != nil {
			return nil, err
		}
		if identity.Scope != o.cfg.Scope || !streamlog.SameStreams(identity.Streams, o.cfg.Streams) {
			return nil, fmt.Errorf("%w: published group %s reads %s %v, not %s %v",
				streamlog.ErrGroupMismatch, identity.Name, identity.Scope, identity.Streams, o.cfg.Scope, o.cfg.Streams)
		}
		if identity.Name != o.name {
			o.logger.Warn("published reader group differs from configured name, joining published group",
				"published", identity.Name,
			)
			o.name = identity.Name
		}
	} else {
		if !o.deps.Leader.IsLeader(ctx) {
			o.logger.Info("reader group not published yet, waiting for leader")
			return nil, nil
		}
		if err := o.create(ctx); err != nil {
			return nil, err
		}
	}

	group, err := o.deps.Client.OpenReaderGroup(ctx, o.name, o.groupConfig(nil))
	if errors.Is(err, streamlog.ErrGroupNotFound) {
		// The identity survived but the backend lost the group.
		if !o.deps.Leader.IsLeader(ctx) {
			o.logger.Info("published reader group missing from stream log, waiting for leader")
			return nil, nil
		}
		if err := o.create(ctx); err != nil {
			return nil, err
		}
		group, err = o.deps.Client.OpenReaderGroup(ctx, o.name, o.groupConfig(nil))
	}
	if err != nil {
		return nil, fmt.Errorf("open reader group %s: %w", o.name, err)
	}
	return group, nil
}

// create makes the reader group from the persisted checkpoint and publishes
// its identity.
func (o *opener) create(ctx context.Context) error {
	if err := o.deps.Client.EnsureStreams(ctx, o.streams, o.cfg.StreamConfig); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	start, resumed, err := LoadCheckpoint(ctx, o.deps.Store, o.keys)
	if err != nil {
		return err
	}
	created, err := o.deps.Client.CreateReaderGroup(ctx, o.name, o.groupConfig(start))
	if err != nil {
		return fmt.Errorf("create reader group %s: %w", o.name, err)
	}
	o.logger.Info("reader group ready",
		"created", created,
		"resumed_from_checkpoint", resumed,
		"start_at", o.cfg.StartAt,
	)

	host, _ := os.Hostname()
	value, err := GroupIdentity{
		Name:      o.name,
		Scope:     o.cfg.Scope,
		Streams:   sortedCopy(o.cfg.Streams),
		CreatedBy: host,
		CreatedAt: time.Now().UTC(),
	}.encode()
	if err != nil {
		return err
	}
	if err := o.deps.Store.Put(ctx, o.keys.ReaderGroup, value); err != nil {
		return fmt.Errorf("publish reader group: %w", err)
	}
	return nil
}

func (o *opener) groupConfig(start streamlog.StreamCut) streamlog.GroupConfig {
	return streamlog.GroupConfig{
		Streams:  o.streams,
		StartCut: start,
		StartAt:  o.cfg.StartAt,
	}
}
