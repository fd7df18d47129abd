// Package config loads bridge definitions from a directory of YAML files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lsm/fiso-ingest/internal/kafka"
	"github.com/lsm/fiso-ingest/internal/pool"
	"github.com/lsm/fiso-ingest/internal/retry"
	"github.com/lsm/fiso-ingest/internal/runner"
	"github.com/lsm/fiso-ingest/internal/sink"
	"github.com/lsm/fiso-ingest/internal/streamlog"
	"gopkg.in/yaml.v3"
)

// ClustersFile is the shared Kafka cluster file in the config directory. It
// is not a bridge definition.
const ClustersFile = "clusters.yaml"

// Stream backends.
const (
	BackendKafka  = "kafka"
	BackendMemory = "memory"
)

// State backends.
const (
	StateMemory   = "memory"
	StateRedis    = "redis"
	StatePostgres = "postgres"
)

// Leadership modes.
const (
	LeadershipStatic = "static"
	LeadershipRedis  = "redis"
)

// Sink types.
const (
	SinkHTTP   = "http"
	SinkKafka  = "kafka"
	SinkStdout = "stdout"
)

// BridgeDefinition is one ingestion bridge: the streams it consumes, how it
// consumes them, where its state lives and where events go.
type BridgeDefinition struct {
	Name       string           `yaml:"name"`
	Stream     StreamConfig     `yaml:"stream"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	State      StateConfig      `yaml:"state"`
	Leadership LeadershipConfig `yaml:"leadership"`
	Sink       SinkConfig       `yaml:"sink"`
}

// StreamConfig selects the stream log and the streams to read.
type StreamConfig struct {
	Backend    string               `yaml:"backend"` // kafka (default) or memory
	Scope      string               `yaml:"scope"`
	Streams    []string             `yaml:"streams"`
	ClusterRef string               `yaml:"clusterRef,omitempty"`
	Cluster    *kafka.ClusterConfig `yaml:"cluster,omitempty"`

	streamlog.StreamConfig `yaml:",inline"`
}

// ConsumerConfig tunes the consumer pool and the trigger loop.
type ConsumerConfig struct {
	StartAt                 string        `yaml:"startAt"`
	MaxConcurrentLeases     int           `yaml:"maxConcurrentLeases"`
	CheckpointPeriod        time.Duration `yaml:"checkpointPeriod"`
	CheckpointTimeout       time.Duration `yaml:"checkpointTimeout"`
	GracefulShutdownTimeout time.Duration `yaml:"gracefulShutdownTimeout"`
	MinimumProcessingTime   time.Duration `yaml:"minimumProcessingTime"`
	BatchSize               int           `yaml:"batchSize"`
	ReaderGroupName         string        `yaml:"readerGroupName,omitempty"`

	YieldDuration time.Duration `yaml:"yieldDuration"`
	ErrorBackoff  time.Duration `yaml:"errorBackoff"`
	RunSchedule   time.Duration `yaml:"runSchedule"`
}

// StateConfig selects the cluster state store.
type StateConfig struct {
	Backend  string          `yaml:"backend"` // memory (default), redis, postgres
	Redis    *RedisConfig    `yaml:"redis,omitempty"`
	Postgres *PostgresConfig `yaml:"postgres,omitempty"`
	Retry    retry.Config    `yaml:"retry"`
}

// RedisConfig is a Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// PostgresConfig is a PostgreSQL connection and state table.
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table,omitempty"`
}

// LeadershipConfig selects how the node decides whether it may create the
// reader group.
type LeadershipConfig struct {
	Mode   string          `yaml:"mode"`             // static (default) or redis
	Leader *bool           `yaml:"leader,omitempty"` // static mode, default true
	Redis  *ElectionConfig `yaml:"redis,omitempty"`
}

// ElectionConfig is a Redis lock election. Addr defaults to the state redis.
type ElectionConfig struct {
	RedisConfig `yaml:",inline"`

	Key string        `yaml:"key,omitempty"`
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// SinkConfig selects where events are forwarded.
type SinkConfig struct {
	Type        string             `yaml:"type"`
	HTTP        *HTTPSinkConfig    `yaml:"http,omitempty"`
	Kafka       *KafkaSinkConfig   `yaml:"kafka,omitempty"`
	Envelope    string             `yaml:"envelope,omitempty"` // none (default) or cloudevents
	CloudEvents *CloudEventsConfig `yaml:"cloudEvents,omitempty"`
}

// CloudEventsConfig overrides the envelope attributes. Source defaults to
// fiso-ingest/<bridge name>.
type CloudEventsConfig struct {
	Type   string `yaml:"type,omitempty"`
	Source string `yaml:"source,omitempty"`
}

// HTTPSinkConfig configures the HTTP sink.
type HTTPSinkConfig struct {
	URL       string            `yaml:"url"`
	Method    string            `yaml:"method,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty"`
	Retry     retry.Config      `yaml:"retry"`
	RateLimit float64           `yaml:"rateLimit,omitempty"` // requests per second, 0 is unlimited
}

// KafkaSinkConfig configures the Kafka sink.
type KafkaSinkConfig struct {
	ClusterRef string               `yaml:"clusterRef,omitempty"`
	Cluster    *kafka.ClusterConfig `yaml:"cluster,omitempty"`
	Topic      string               `yaml:"topic"`
	DropKey    bool                 `yaml:"dropKey,omitempty"`
}

// ApplyDefaults fills the backend and mode defaults.
func (d *BridgeDefinition) ApplyDefaults() {
	if d.Stream.Backend == "" {
		d.Stream.Backend = BackendKafka
	}
	if d.Consumer.StartAt == "" {
		d.Consumer.StartAt = string(streamlog.StartLatest)
	}
	if d.State.Backend == "" {
		d.State.Backend = StateMemory
	}
	if d.Leadership.Mode == "" {
		d.Leadership.Mode = LeadershipStatic
	}
	if d.Leadership.Mode == LeadershipRedis && d.Leadership.Redis == nil {
		d.Leadership.Redis = &ElectionConfig{}
	}
	if r := d.Leadership.Redis; r != nil {
		if r.Addr == "" && d.State.Redis != nil {
			r.RedisConfig = *d.State.Redis
		}
		if r.Key == "" {
			r.Key = "fiso:leader:" + d.Name
		}
	}
}

// EnvelopeConfig returns the CloudEvents attributes for the sink envelope.
func (d *BridgeDefinition) EnvelopeConfig() sink.CloudEventsConfig {
	cfg := sink.CloudEventsConfig{Source: "fiso-ingest/" + d.Name}
	if ce := d.Sink.CloudEvents; ce != nil {
		cfg.Type = ce.Type
		if ce.Source != "" {
			cfg.Source = ce.Source
		}
	}
	return cfg
}

// IsStaticLeader reports the static leadership answer.
func (d *BridgeDefinition) IsStaticLeader() bool {
	return d.Leadership.Leader == nil || *d.Leadership.Leader
}

// Validate reports every problem in the definition. Cluster references are
// resolved later against the registry.
func (d *BridgeDefinition) Validate() error {
	var errs []error

	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}

	switch d.Stream.Backend {
	case BackendKafka:
		if d.Stream.ClusterRef == "" && d.Stream.Cluster == nil {
			errs = append(errs, errors.New("stream: clusterRef or cluster is required for the kafka backend"))
		}
		if d.Stream.Cluster != nil {
			if err := d.Stream.Cluster.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("stream.cluster: %w", err))
			}
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("stream.backend %q is not valid (must be kafka or memory)", d.Stream.Backend))
	}
	if err := d.PoolConfig().WithDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("stream: %w", err))
	}
	if d.Consumer.MaxConcurrentLeases < 0 || d.Consumer.BatchSize < 0 {
		errs = append(errs, errors.New("consumer: maxConcurrentLeases and batchSize must not be negative"))
	}

	switch d.State.Backend {
	case StateMemory:
	case StateRedis:
		if d.State.Redis == nil || d.State.Redis.Addr == "" {
			errs = append(errs, errors.New("state.redis.addr is required for the redis backend"))
		}
	case StatePostgres:
		if d.State.Postgres == nil || d.State.Postgres.DSN == "" {
			errs = append(errs, errors.New("state.postgres.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.backend %q is not valid (must be memory, redis or postgres)", d.State.Backend))
	}

	if err := d.State.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("state.retry: %w", err))
	}

	switch d.Leadership.Mode {
	case LeadershipStatic:
	case LeadershipRedis:
		if d.Leadership.Redis == nil || d.Leadership.Redis.Addr == "" {
			errs = append(errs, errors.New("leadership.redis.addr is required (or set state.redis)"))
		}
	default:
		errs = append(errs, fmt.Errorf("leadership.mode %q is not valid (must be static or redis)", d.Leadership.Mode))
	}

	errs = append(errs, d.Sink.validate()...)

	return errors.Join(errs...)
}

func (s SinkConfig) validate() []error {
	var errs []error
	switch s.Type {
	case SinkHTTP:
		if s.HTTP == nil || s.HTTP.URL == "" {
			errs = append(errs, errors.New("sink.http.url is required"))
			break
		}
		if s.HTTP.RateLimit < 0 {
			errs = append(errs, errors.New("sink.http.rateLimit must not be negative"))
		}
		if err := s.HTTP.Retry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sink.http.retry: %w", err))
		}
	case SinkKafka:
		switch {
		case s.Kafka == nil || s.Kafka.Topic == "":
			errs = append(errs, errors.New("sink.kafka.topic is required"))
		case s.Kafka.ClusterRef == "" && s.Kafka.Cluster == nil:
			errs = append(errs, errors.New("sink.kafka: clusterRef or cluster is required"))
		}
	case SinkStdout:
	case "":
		errs = append(errs, errors.New("sink.type is required"))
	default:
		errs = append(errs, fmt.Errorf("sink.type %q is not valid (must be http, kafka or stdout)", s.Type))
	}
	switch s.Envelope {
	case sink.EnvelopeNone, sink.EnvelopeCloudEvents:
	default:
		errs = append(errs, fmt.Errorf("sink.envelope %q is not valid (must be cloudevents or empty)", s.Envelope))
	}
	return errs
}

// PoolConfig converts the definition into a consumer pool configuration.
func (d *BridgeDefinition) PoolConfig() pool.Config {
	c := d.Consumer
	return pool.Config{
		Bridge:            d.Name,
		Scope:             d.Stream.Scope,
		Streams:           d.Stream.Streams,
		StreamConfig:      d.Stream.StreamConfig,
		StartAt:           streamlog.StartPosition(strings.ToLower(c.StartAt)),
		MaxLeases:         c.MaxConcurrentLeases,
		CheckpointPeriod:  c.CheckpointPeriod,
		CheckpointTimeout: c.CheckpointTimeout,
		StopTimeout:       c.GracefulShutdownTimeout,
		MinProcessingTime: c.MinimumProcessingTime,
		BatchSize:         c.BatchSize,
		ReaderGroupName:   c.ReaderGroupName,
	}
}

// RunnerConfig converts the definition into trigger loop settings. One worker
// runs per concurrent lease; the shutdown bound leaves room for the final
// checkpoint.
func (d *BridgeDefinition) RunnerConfig() runner.Config {
	pc := d.PoolConfig().WithDefaults()
	return runner.Config{
		Workers:         pc.MaxLeases,
		YieldDuration:   d.Consumer.YieldDuration,
		ErrorBackoff:    d.Consumer.ErrorBackoff,
		RunSchedule:     d.Consumer.RunSchedule,
		ShutdownTimeout: pc.StopTimeout + pc.CheckpointTimeout,
	}
}

// LoadFile parses, defaults and validates one bridge definition.
func LoadFile(path string) (*BridgeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var def BridgeDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return &def, nil
}

// BridgeFiles lists the bridge definition files in dir.
func BridgeFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ClustersFile {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

// Loader loads and watches bridge definition files.
type Loader struct {
	mu       sync.RWMutex
	bridges  map[string]*BridgeDefinition
	dir      string
	logger   *slog.Logger
	onChange func(map[string]*BridgeDefinition)
}

// NewLoader creates a new configuration loader for the given directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		bridges: make(map[string]*BridgeDefinition),
		dir:     dir,
		logger:  logger,
	}
}

// Dir returns the watched directory.
func (l *Loader) Dir() string { return l.dir }

// OnChange registers a callback that fires when config files change.
func (l *Loader) OnChange(fn func(map[string]*BridgeDefinition)) {
	l.onChange = fn
}

// Load reads every bridge definition in the directory. Invalid files and
// duplicate names are logged and skipped.
func (l *Loader) Load() (map[string]*BridgeDefinition, error) {
	files, err := BridgeFiles(l.dir)
	if err != nil {
		return nil, err
	}

	bridges := make(map[string]*BridgeDefinition)
	for _, path := range files {
		def, err := LoadFile(path)
		if err != nil {
			l.logger.Error("failed to load bridge definition", "path", path, "error", err)
			continue
		}
		if _, dup := bridges[def.Name]; dup {
			l.logger.Error("duplicate bridge name, skipping file", "path", path, "bridge", def.Name)
			continue
		}
		bridges[def.Name] = def
	}

	l.mu.Lock()
	l.bridges = bridges
	l.mu.Unlock()

	return bridges, nil
}

// Watch reloads the directory on every change and calls the OnChange
// callback. Blocks until done is closed.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", l.dir, err)
	}

	l.logger.Info("watching config directory", "dir", l.dir)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			l.logger.Info("config change detected", "file", event.Name, "op", event.Op)
			bridges, err := l.Load()
			if err != nil {
				l.logger.Error("failed to reload config", "error", err)
				continue
			}
			if l.onChange != nil {
				l.onChange(bridges)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// Bridges returns a copy of the currently loaded bridges.
func (l *Loader) Bridges() map[string]*BridgeDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bridges := make(map[string]*BridgeDefinition, len(l.bridges))
	for k, v := range l.bridges {
		bridges[k] = v
	}
	return bridges
}
