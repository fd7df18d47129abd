package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/fiso-ingest/internal/config"
	"github.com/lsm/fiso-ingest/internal/kafka"
	"github.com/lsm/fiso-ingest/internal/leader"
	"github.com/lsm/fiso-ingest/internal/observability"
	"github.com/lsm/fiso-ingest/internal/processor"
	"github.com/lsm/fiso-ingest/internal/runner"
	"github.com/lsm/fiso-ingest/internal/sink"
	httpsink "github.com/lsm/fiso-ingest/internal/sink/http"
	kafkasink "github.com/lsm/fiso-ingest/internal/sink/kafka"
	"github.com/lsm/fiso-ingest/internal/sink/stdout"
	"github.com/lsm/fiso-ingest/internal/state"
	"github.com/lsm/fiso-ingest/internal/streamlog"
	"github.com/lsm/fiso-ingest/internal/streamlog/kafkalog"
	"github.com/lsm/fiso-ingest/internal/streamlog/memlog"
)

// environment holds the process-wide resources bridges share. The memory
// stream log and state store live here so they survive a config reload.
type environment struct {
	registry  *kafka.Registry
	producers *kafka.ProducerPool
	memLog    *memlog.Log
	memState  *state.Memory
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	stdout    io.Writer
}

func newEnvironment(registry *kafka.Registry, metrics *observability.Metrics, tracer trace.Tracer, logger *slog.Logger, stdout io.Writer) *environment {
	return &environment{
		registry:  registry,
		producers: kafka.NewProducerPool(),
		memLog:    memlog.New(),
		memState:  state.NewMemory(),
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger,
		stdout:    stdout,
	}
}

func (e *environment) Close() error {
	return e.producers.Close()
}

// bridge is one built bridge, ready to run.
type bridge struct {
	name    string
	proc    *processor.Processor
	runner  *runner.Runner
	sink    sink.Sink
	elector *leader.RedisElector
	closers []func() error
	logger  *slog.Logger
}

// run blocks until ctx is canceled and the bridge has shut down.
func (b *bridge) run(ctx context.Context) error {
	if b.elector != nil {
		campaignCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = b.elector.Campaign(campaignCtx)
		}()
		// Leadership is held until the pool has shut down.
		defer func() {
			cancel()
			<-done
		}()
	}

	err := b.runner.Run(ctx)
	return errors.Join(err, b.close())
}

func (b *bridge) close() error {
	var errs []error
	if b.sink != nil {
		if err := b.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildBridge wires a definition into a runnable bridge. Nothing connects to
// the stream log here; the processor does that on its first trigger.
func (e *environment) buildBridge(ctx context.Context, def *config.BridgeDefinition) (*bridge, error) {
	logger := e.logger.With("bridge", def.Name)
	b := &bridge{name: def.Name, logger: logger}
	built := false
	defer func() {
		if !built {
			_ = b.close()
		}
	}()

	store, err := e.buildStore(ctx, def.State, b)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	gate, err := e.buildLeader(def, b)
	if err != nil {
		return nil, fmt.Errorf("leadership: %w", err)
	}

	newClient, err := e.clientFactory(def, logger)
	if err != nil {
		return nil, fmt.Errorf("stream log: %w", err)
	}

	sk, err := e.buildSink(def.Sink, logger)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	if def.Sink.Envelope == sink.EnvelopeCloudEvents {
		sk = sink.WithCloudEvents(sk, def.EnvelopeConfig())
	}
	b.sink = sk

	b.proc, err = processor.New(def.PoolConfig(), processor.Deps{
		Store:      store,
		Leader:     gate,
		Sink:       b.sink,
		NewClient:  newClient,
		Logger:     logger,
		Metrics:    e.metrics,
		Tracer:     e.tracer,
		SinkType:   def.Sink.Type,
		StateRetry: def.State.Retry,
	})
	if err != nil {
		return nil, err
	}
	b.runner = runner.New(def.Name, b.proc, def.RunnerConfig(), e.logger)
	built = true
	return b, nil
}

func (e *environment) buildStore(ctx context.Context, cfg config.StateConfig, b *bridge) (state.Store, error) {
	switch cfg.Backend {
	case config.StateMemory:
		return e.memState, nil
	case config.StateRedis:
		client := newRedisClient(*cfg.Redis)
		b.closers = append(b.closers, client.Close)
		return state.NewRedisStore(client, cfg.Redis.Prefix), nil
	case config.StatePostgres:
		s, err := state.OpenPostgres(ctx, cfg.Postgres.DSN, cfg.Postgres.Table)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, s.Close)
		if err := s.InitSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported state backend: %s", cfg.Backend)
	}
}

func (e *environment) buildLeader(def *config.BridgeDefinition, b *bridge) (leader.Gate, error) {
	switch def.Leadership.Mode {
	case config.LeadershipStatic:
		return leader.Static(def.IsStaticLeader()), nil
	case config.LeadershipRedis:
		rc := def.Leadership.Redis
		client := newRedisClient(rc.RedisConfig)
		b.closers = append(b.closers, client.Close)
		elector, err := leader.NewRedisElector(client, leader.ElectorConfig{Key: rc.Key, TTL: rc.TTL}, b.logger)
		if err != nil {
			return nil, err
		}
		b.elector = elector
		return elector, nil
	default:
		return nil, fmt.Errorf("unsupported leadership mode: %s", def.Leadership.Mode)
	}
}

func (e *environment) clientFactory(def *config.BridgeDefinition, logger *slog.Logger) (processor.ClientFactory, error) {
	switch def.Stream.Backend {
	case config.BackendMemory:
		return func(context.Context) (streamlog.Client, error) {
			return e.memLog.Client(), nil
		}, nil
	case config.BackendKafka:
		cluster, err := e.registry.Resolve(def.Stream.ClusterRef, def.Stream.Cluster)
		if err != nil {
			return nil, err
		}
		cfg := kafkalog.Config{Cluster: cluster, ClientID: "fiso-ingest-" + def.Name}
		return func(context.Context) (streamlog.Client, error) {
			return kafkalog.New(cfg, logger)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported stream backend: %s", def.Stream.Backend)
	}
}

func (e *environment) buildSink(cfg config.SinkConfig, logger *slog.Logger) (sink.Sink, error) {
	switch cfg.Type {
	case config.SinkHTTP:
		s, err := httpsink.NewSink(httpsink.Config{
			URL:       cfg.HTTP.URL,
			Method:    cfg.HTTP.Method,
			Headers:   cfg.HTTP.Headers,
			Timeout:   cfg.HTTP.Timeout,
			Retry:     cfg.HTTP.Retry,
			RateLimit: cfg.HTTP.RateLimit,
		}, logger)
		if err != nil {
			return nil, err
		}
		if e.tracer != nil {
			s.SetTracer(e.tracer)
		}
		return s, nil
	case config.SinkKafka:
		cluster, err := e.registry.Resolve(cfg.Kafka.ClusterRef, cfg.Kafka.Cluster)
		if err != nil {
			return nil, err
		}
		s, err := kafkasink.NewSink(e.producers, kafkasink.Config{
			Cluster: cluster,
			Topic:   cfg.Kafka.Topic,
			DropKey: cfg.Kafka.DropKey,
		}, logger)
		if err != nil {
			return nil, err
		}
		if e.tracer != nil {
			s.SetTracer(e.tracer)
		}
		return s, nil
	case config.SinkStdout:
		return stdout.New(e.stdout), nil
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
