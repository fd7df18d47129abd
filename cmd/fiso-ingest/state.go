package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lsm/fiso-ingest/internal/config"
	"github.com/lsm/fiso-ingest/internal/kafka"
	"github.com/lsm/fiso-ingest/internal/observability"
	"github.com/lsm/fiso-ingest/internal/pool"
	"github.com/lsm/fiso-ingest/internal/state"
	"github.com/lsm/fiso-ingest/internal/streamlog"
)

// bridgeState is the persisted state of one bridge as printed by the state
// command.
type bridgeState struct {
	Bridge      string              `json:"bridge"`
	Keys        pool.StateKeys      `json:"keys"`
	ReaderGroup *pool.GroupIdentity `json:"readerGroup,omitempty"`
	Checkpoint  streamlog.StreamCut `json:"checkpoint,omitempty"`
}

func runState(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	fs.SetOutput(stderr)
	timeout := fs.Duration("timeout", 10*time.Second, "state store timeout")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: fiso-ingest state [flags] <bridge.yaml>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("state requires exactly one bridge file")
	}

	def, err := config.LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if def.State.Backend == config.StateMemory {
		return fmt.Errorf("bridge %s uses the memory state backend, which is not shared across processes", def.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger := observability.NewLogger(stderr, "fiso-ingest", slog.LevelWarn)
	env := newEnvironment(kafka.NewRegistry(), nil, nil, logger, stdout)
	defer func() { _ = env.Close() }()

	b := &bridge{name: def.Name, logger: logger}
	defer func() { _ = b.close() }()
	store, err := env.buildStore(ctx, def.State, b)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	return printState(ctx, stdout, def, store)
}

func printState(ctx context.Context, w io.Writer, def *config.BridgeDefinition, store state.Store) error {
	keys := pool.KeysFor(def.Stream.Scope, def.Stream.Streams)
	out := bridgeState{Bridge: def.Name, Keys: keys}

	raw, ok, err := store.Get(ctx, keys.ReaderGroup)
	if err != nil {
		return fmt.Errorf("read reader group: %w", err)
	}
	if ok {
		identity, err := pool.DecodeGroupIdentity(raw)
		if err != nil {
			return err
		}
		out.ReaderGroup = &identity
	}

	cut, ok, err := pool.LoadCheckpoint(ctx, store, keys)
	if err != nil {
		return err
	}
	if ok {
		out.Checkpoint = cut
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
