package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLeaseTTL      = 15 * time.Second
	defaultResignTimeout = 2 * time.Second
)

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// lockClient is the subset of redis.Cmdable used by the elector.
type lockClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// ElectorConfig configures a RedisElector.
type ElectorConfig struct {
	Key           string
	Owner         string
	TTL           time.Duration
	RenewInterval time.Duration
}

func (c ElectorConfig) withDefaults() ElectorConfig {
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = host + "-" + uuid.NewString()
	}
	if c.TTL <= 0 {
		c.TTL = defaultLeaseTTL
	}
	if c.RenewInterval <= 0 || c.RenewInterval >= c.TTL {
		c.RenewInterval = c.TTL / 3
	}
	return c
}

// RedisElector holds leadership through an expiring Redis key owned by this
// node. Campaign keeps the key; IsLeader reads it on every call.
type RedisElector struct {
	client lockClient
	cfg    ElectorConfig
	logger *slog.Logger
	held   atomic.Bool
}

var _ Gate = (*RedisElector)(nil)

// NewRedisElector creates an elector. cfg.Key is required.
func NewRedisElector(client redis.Cmdable, cfg ElectorConfig, logger *slog.Logger) (*RedisElector, error) {
	return newRedisElector(client, cfg, logger)
}

func newRedisElector(client lockClient, cfg ElectorConfig, logger *slog.Logger) (*RedisElector, error) {
	if cfg.Key == "" {
		return nil, errors.New("leader: election key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &RedisElector{
		client: client,
		cfg:    cfg,
		logger: logger.With("election_key", cfg.Key, "owner", cfg.Owner),
	}, nil
}

// Owner returns the identity this node campaigns with.
func (e *RedisElector) Owner() string { return e.cfg.Owner }

// IsLeader reports whether the key is currently owned by this node. Redis
// errors answer false.
func (e *RedisElector) IsLeader(ctx context.Context) bool {
	owner, err := e.client.Get(ctx, e.cfg.Key).Result()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		e.logger.Warn("leadership query failed", "error", err)
		return false
	}
	return owner == e.cfg.Owner
}

// Campaign acquires and renews the key until ctx is done, then resigns.
func (e *RedisElector) Campaign(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		if err := e.step(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("leadership campaign step failed", "error", err)
		}

		select {
		case <-ctx.Done():
			e.resign()
			return nil
		case <-ticker.C:
		}
	}
}

func (e *RedisElector) step(ctx context.Context) error {
	if e.held.Load() {
		res, err := e.client.Eval(ctx, renewScript, []string{e.cfg.Key}, e.cfg.Owner, e.cfg.TTL.Milliseconds()).Result()
		if err != nil {
			return fmt.Errorf("renew: %w", err)
		}
		if res == int64(0) {
			e.held.Store(false)
			e.logger.Info("leadership lost")
		}
		return nil
	}

	ok, err := e.client.SetNX(ctx, e.cfg.Key, e.cfg.Owner, e.cfg.TTL).Result()
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	if ok {
		e.held.Store(true)
		e.logger.Info("leadership acquired")
	}
	return nil
}

func (e *RedisElector) resign() {
	if !e.held.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultResignTimeout)
	defer cancel()

	if err := e.client.Eval(ctx, releaseScript, []string{e.cfg.Key}, e.cfg.Owner).Err(); err != nil {
		e.logger.Warn("leadership release failed", "error", err)
		return
	}
	e.logger.Info("leadership released")
}
