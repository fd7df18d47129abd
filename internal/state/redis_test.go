package state

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisStore_Key(t *testing.T) {
	if got := NewRedisStore(nil, "").key("retail/orders/checkpoint"); got != "fiso:ingest:retail/orders/checkpoint" {
		t.Errorf("key() = %q", got)
	}
	if got := NewRedisStore(nil, "custom").key("k"); got != "custom:k" {
		t.Errorf("key() = %q", got)
	}
}

func openTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("FISO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FISO_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}

	s := NewRedisStore(client, fmt.Sprintf("fiso:test:%d", time.Now().UnixNano()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore_Integration(t *testing.T) {
	s := openTestRedisStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}
	if err := s.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("Get(k) = %q, %v, %v", v, ok, err)
	}
}

func TestRedisStore_UpdateIntegration(t *testing.T) {
	s := openTestRedisStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Update(ctx, "n", func(old string, _ bool) (string, error) {
				return old + "x", nil
			}); err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}()
	}
	wg.Wait()

	v, _, _ := s.Get(ctx, "n")
	if len(v) != 5 {
		t.Errorf("len(value) = %d, want 5", len(v))
	}
}
