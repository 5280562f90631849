// Package kv implements the KV-Store Facade: a typed wrapper
// over a shared ordered/keyed store (Redis) with TTL, atomic set-if-absent,
// list append/trim, set membership, and pub/sub. Every other subsystem that
// needs shared, cross-process state goes through this facade rather than
// talking to Redis directly, so retry/backoff and failure classification
// live in exactly one place.
package kv

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when the underlying store is unreachable after
// the retry budget is exhausted. Callers on read paths should treat this as
// a cache miss when it is safe to do so; callers on write paths should
// surface apperr.KvUnavailable / ServiceDegraded.
var ErrUnavailable = errors.New("kv: store unavailable")

// retryPolicy is the shared backoff applied to transient KV errors, per the
// "one shared retry policy type" design note.
type retryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	multiplier   float64
	jitter       float64
}

var defaultRetry = retryPolicy{
	maxAttempts:  3,
	initialDelay: 50 * time.Millisecond,
	multiplier:   2,
	jitter:       0.2,
}

func (p retryPolicy) delay(attempt int) time.Duration {
	d := float64(p.initialDelay) * pow(p.multiplier, attempt)
	jitterRange := d * p.jitter
	d += (rand.Float64()*2 - 1) * jitterRange
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Store is the KV-Store Facade.
type Store struct {
	rdb   *redis.Client
	retry retryPolicy
}

// New creates a Store backed by the given Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, retry: defaultRetry}
}

// withRetry runs op, retrying transient errors with capped exponential
// backoff. A redis.Nil result is never retried — it's a normal miss.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.retry.maxAttempts; attempt++ {
		err := op()
		if err == nil || errors.Is(err, redis.Nil) {
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retry.delay(attempt)):
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// Get returns the string value at key. ok is false on a cache miss.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.withRetry(ctx, func() error {
		v, e := s.rdb.Get(ctx, key).Result()
		if errors.Is(e, redis.Nil) {
			return nil
		}
		if e != nil {
			return e
		}
		value, ok = v, true
		return nil
	})
	return value, ok, err
}

// Set stores value at key, optionally with a TTL (ttl<=0 means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// SetIfAbsent atomically sets key to value only if it does not already
// exist, with the given TTL. It's the primitive behind distributed locks
// (used by the Key-Ring's rotation lock). Returns true if the value was set.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.withRetry(ctx, func() error {
		ok, e := s.rdb.SetNX(ctx, key, value, ttl).Result()
		if e != nil {
			return e
		}
		acquired = ok
		return nil
	})
	return acquired, err
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Del(ctx, key).Err()
	})
}

// CompareAndDelete deletes key only if its current value equals expected.
// Used to release a distributed lock only if still held by the caller.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	var deleted bool
	err := s.withRetry(ctx, func() error {
		v, e := s.rdb.Get(ctx, key).Result()
		if errors.Is(e, redis.Nil) {
			return nil
		}
		if e != nil {
			return e
		}
		if v != expected {
			return nil
		}
		if e := s.rdb.Del(ctx, key).Err(); e != nil {
			return e
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// ListAppend appends value to the list at key (RPUSH).
func (s *Store) ListAppend(ctx context.Context, key, value string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.RPush(ctx, key, value).Err()
	})
}

// ListTrim trims the list at key to the inclusive range [start, stop].
// Negative indices count from the end, as in Redis LTRIM.
func (s *Store) ListTrim(ctx context.Context, key string, start, stop int64) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.LTrim(ctx, key, start, stop).Err()
	})
}

// ListRange returns elements of the list at key within [start, stop].
func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, func() error {
		v, e := s.rdb.LRange(ctx, key, start, stop).Result()
		if e != nil {
			return e
		}
		out = v
		return nil
	})
	return out, err
}

// SetExpire refreshes the TTL on key.
func (s *Store) SetExpire(ctx context.Context, key string, ttl time.Duration) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Expire(ctx, key, ttl).Err()
	})
}

// SetAdd adds member to the set at key.
func (s *Store) SetAdd(ctx context.Context, key, member string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.SAdd(ctx, key, member).Err()
	})
}

// SetRemove removes member from the set at key.
func (s *Store) SetRemove(ctx context.Context, key, member string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.SRem(ctx, key, member).Err()
	})
}

// SetMembers returns all members of the set at key.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, func() error {
		v, e := s.rdb.SMembers(ctx, key).Result()
		if e != nil {
			return e
		}
		out = v
		return nil
	})
	return out, err
}

// SetContains reports whether member is in the set at key.
func (s *Store) SetContains(ctx context.Context, key, member string) (bool, error) {
	var contains bool
	err := s.withRetry(ctx, func() error {
		v, e := s.rdb.SIsMember(ctx, key, member).Result()
		if e != nil {
			return e
		}
		contains = v
		return nil
	})
	return contains, err
}

// Incr atomically increments the integer at key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		v, e := s.rdb.Incr(ctx, key).Result()
		if e != nil {
			return e
		}
		n = v
		return nil
	})
	return n, err
}

// TTL returns the remaining TTL on key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := s.withRetry(ctx, func() error {
		v, e := s.rdb.TTL(ctx, key).Result()
		if e != nil {
			return e
		}
		d = v
		return nil
	})
	return d, err
}

// Publish publishes payload to channel. Publish failures are not retried
// across the retry policy's full budget — a single attempt is made since
// pub/sub is advisory (an event a subscriber misses is not redelivered).
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

// Message is a payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload string
}

// Subscribe subscribes to channel and invokes handler for every message
// until ctx is cancelled. It blocks the calling goroutine; callers run it
// in its own goroutine.
func (s *Store) Subscribe(ctx context.Context, channel string, handler func(Message)) error {
	pubsub := s.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(Message{Channel: msg.Channel, Payload: msg.Payload})
		}
	}
}
