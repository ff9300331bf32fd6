package regnum

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

// Counter hands out strictly increasing sequence values per key. Two calls
// never return the same value for the same key.
type Counter interface {
	Next(ctx context.Context, key string) (int64, error)
}

// MemoryCounter is process-local; use it for single-instance deployments
// and tests.
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: make(map[string]int64)}
}

func (c *MemoryCounter) Next(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key]++
	return c.values[key], nil
}

type incrementer interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisCounter uses INCR, which is atomic across instances.
type RedisCounter struct {
	client incrementer
	prefix string
}

func NewRedisCounter(client incrementer) *RedisCounter {
	return &RedisCounter{client: client, prefix: "regnum:"}
}

func (c *RedisCounter) Next(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, c.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGCounter keeps one row per key in registration_counters and increments it
// with a single upsert.
type PGCounter struct {
	db rowQuerier
}

func NewPGCounter(db rowQuerier) *PGCounter {
	return &PGCounter{db: db}
}

func (c *PGCounter) Next(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.db.QueryRow(ctx, `
		INSERT INTO registration_counters (counter_key, value)
		VALUES ($1, 1)
		ON CONFLICT (counter_key) DO UPDATE
			SET value = registration_counters.value + 1, updated_at = NOW()
		RETURNING value`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return n, nil
}
