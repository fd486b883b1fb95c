package counterstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/UAPK/gateway-core/internal/circuitbreaker"
)

// checkAndIncrScript atomically reads the current value, increments it only
// if the result would stay within limit, and (re)sets the expiry so the key
// decays after the window closes. limit<=0 means unlimited. This replaces
// the teacher's separate INCR+EXPIRE pipeline (acceptable for best-effort
// HTTP rate limiting, but not for a budget the policy engine treats as an
// enforcement boundary) with a single atomic script, closing the race where
// two concurrent callers could both read "under limit" before either
// writes.
const checkAndIncrScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
if limit > 0 and current >= limit then
  return {current, 0}
end
local newval = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ttl)
return {newval, 1}
`

// decrFloorScript decrements the key's counter but never takes it below
// zero, so a decrement racing a concurrent reset can't leave a negative
// count.
const decrFloorScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`

// RedisStore is a Redis-backed Store, the only implementation fit to be the
// source of truth across multiple gateway worker processes (spec §5).
type RedisStore struct {
	client     *redis.Client
	script     *redis.Script
	decrScript *redis.Script
	breaker    *circuitbreaker.CircuitBreaker
}

// NewRedisStore wraps an existing *redis.Client.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:     client,
		script:     redis.NewScript(checkAndIncrScript),
		decrScript: redis.NewScript(decrFloorScript),
		breaker:    circuitbreaker.NewCircuitBreaker("counterstore", circuitbreaker.StoreConfig(), logger),
	}
}

// Peek implements Store.
func (s *RedisStore) Peek(ctx context.Context, key Key) (int64, error) {
	var val int64
	err := s.breaker.Execute(ctx, func() error {
		v, err := s.client.Get(ctx, key.redisKey()).Int64()
		if err == redis.Nil {
			val = 0
			return nil
		}
		val = v
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("counterstore: peek: %w", err)
	}
	return val, nil
}

// CheckAndIncrement implements Store via the atomic Lua script.
func (s *RedisStore) CheckAndIncrement(ctx context.Context, key Key, limit int64) (int64, bool, error) {
	ttlSeconds := int64(TTLFor(key.Kind).Seconds())
	var res interface{}
	err := s.breaker.Execute(ctx, func() error {
		r, err := s.script.Run(ctx, s.client, []string{key.redisKey()}, limit, ttlSeconds).Result()
		res = r
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("counterstore: check-and-increment: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, fmt.Errorf("counterstore: unexpected script result %v", res)
	}
	count, ok := vals[0].(int64)
	if !ok {
		return 0, false, fmt.Errorf("counterstore: unexpected count type %T", vals[0])
	}
	appliedFlag, ok := vals[1].(int64)
	if !ok {
		return 0, false, fmt.Errorf("counterstore: unexpected applied type %T", vals[1])
	}
	return count, appliedFlag == 1, nil
}

// Decrement implements Store via the floor-at-zero Lua script.
func (s *RedisStore) Decrement(ctx context.Context, key Key) error {
	err := s.breaker.Execute(ctx, func() error {
		return s.decrScript.Run(ctx, s.client, []string{key.redisKey()}).Err()
	})
	if err != nil {
		return fmt.Errorf("counterstore: decrement: %w", err)
	}
	return nil
}
