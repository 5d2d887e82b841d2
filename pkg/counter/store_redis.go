package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts keep each operation a single round-trip and atomic per key.
var (
	// incrWindowScript increments a fixed-window counter. The window TTL is
	// set only on the first increment so the window stays anchored at the
	// first request. A key that somehow lost its TTL gets a fresh window.
	incrWindowScript = redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		local ttl = redis.call('PTTL', KEYS[1])
		if ttl < 0 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
			ttl = tonumber(ARGV[1])
		end
		return {count, ttl}
	`)

	// incrScript increments a plain counter and refreshes its TTL.
	incrScript = redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		return count
	`)

	// decrScript decrements a plain counter, flooring at zero, and
	// refreshes its TTL.
	decrScript = redis.NewScript(`
		local count = redis.call('DECR', KEYS[1])
		if count < 0 then
			redis.call('SET', KEYS[1], 0)
			count = 0
		end
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		return count
	`)
)

// RedisStore is a redis-backed implementation of Store. Multiple server
// instances pointing at the same redis share counter state.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig configures the redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client (for tests).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// IncrWindow atomically increments the fixed-window counter for key.
func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	res, err := incrWindowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected script result %v", ErrStoreUnavailable, res)
	}

	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	return count, time.Now().Add(time.Duration(ttlMs) * time.Millisecond), nil
}

// Incr atomically increments a plain counter and refreshes its TTL.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := incrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// Decr atomically decrements a plain counter, flooring at zero.
func (s *RedisStore) Decr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := decrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// Get returns the current value for key, or ok=false if absent.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return val, true, nil
}

// Close closes the redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
