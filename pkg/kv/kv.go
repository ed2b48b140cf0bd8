// Package kv is the ephemeral half of the Durable Store: a thin,
// narrow-interface wrapper over Redis used by the Lease Service
// (pkg/lease), the Cancellation Signal Bus (pkg/cancel) and the progress
// event stream (pkg/stream). It deliberately exposes only the primitives
// those callers need rather than the full go-redis client surface.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndSwap atomically replaces val at key only if its current
// value equals oldVal, returning whether the swap happened. Used by the
// Lease Service's heartbeat renewal so a lease can only be refreshed by
// its current owner.
const compareAndSwapScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`

// compareAndDelete atomically removes key only if its current value
// equals oldVal. Used by lease release so a holder can't delete a lease
// it no longer owns.
const compareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`

// Store is the KV half of the Durable Store.
type Store struct {
	client *redis.Client
}

// New wraps an already-constructed go-redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// SetNX sets key to val with ttl only if it does not already exist,
// reporting whether the set happened.
func (s *Store) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return ok, nil
}

// Get returns the current value of key, and false if it does not exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, true, nil
}

// GetDel atomically returns and removes key's value.
func (s *Store) GetDel(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv getdel %s: %w", key, err)
	}
	return val, true, nil
}

// Del removes key unconditionally.
func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv del %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap replaces key's value with newVal (with ttl) only if its
// current value equals oldVal.
func (s *Store) CompareAndSwap(ctx context.Context, key, oldVal, newVal string, ttl time.Duration) (bool, error) {
	res, err := s.client.Eval(ctx, compareAndSwapScript, []string{key}, oldVal, newVal, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("kv cas %s: %w", key, err)
	}
	return res == 1, nil
}

// CompareAndDelete removes key only if its current value equals oldVal.
func (s *Store) CompareAndDelete(ctx context.Context, key, oldVal string) (bool, error) {
	res, err := s.client.Eval(ctx, compareAndDeleteScript, []string{key}, oldVal).Int()
	if err != nil {
		return false, fmt.Errorf("kv cad %s: %w", key, err)
	}
	return res == 1, nil
}

// Publish appends payload to a capped stream, used for the progress
// event fan-out (pkg/stream) rather than request/response state.
func (s *Store) Publish(ctx context.Context, stream string, fields map[string]any, maxLen int64) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: fields,
	}).Err()
	if err != nil {
		return fmt.Errorf("kv publish %s: %w", stream, err)
	}
	return nil
}

// Ping verifies connectivity at startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client's connections.
func (s *Store) Close() error { return s.client.Close() }
