package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/knoguchi/adaptive/internal/repository"
)

// RedisCache keeps profile snapshots in Redis so that several service instances
// can serve reads without hitting the database.
type RedisCache struct {
	rdb    goredis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisCache connects to addr and verifies the connection.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisCacheFromClient(rdb, ttl), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(rdb goredis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "adaptive:profile:"}
}

// Get returns the cached snapshot or (nil, nil) on a miss.
func (c *RedisCache) Get(ctx context.Context, learnerID string) (*repository.LearnerProfile, error) {
	raw, err := c.rdb.Get(ctx, c.key(learnerID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeSnapshot(raw)
}

// Set stores the snapshot, replacing any existing one.
func (c *RedisCache) Set(ctx context.Context, p *repository.LearnerProfile) error {
	raw, err := encodeSnapshot(p)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.key(p.LearnerID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Add stores the snapshot only if none is cached.
func (c *RedisCache) Add(ctx context.Context, p *repository.LearnerProfile) error {
	raw, err := encodeSnapshot(p)
	if err != nil {
		return err
	}
	if err := c.rdb.SetNX(ctx, c.key(p.LearnerID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func (c *RedisCache) key(learnerID string) string {
	return c.prefix + learnerID
}

func encodeSnapshot(p *repository.LearnerProfile) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile snapshot: %w", err)
	}
	return raw, nil
}

func decodeSnapshot(raw []byte) (*repository.LearnerProfile, error) {
	var p repository.LearnerProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile snapshot: %w", err)
	}
	return &p, nil
}

var _ Cache = (*RedisCache)(nil)
