// Package kv provides the coordination key-value client used by the
// queue, scheduler, health monitor, alerter and progress snapshot
// layers. The interface is deliberately narrow: atomic counters, keyed
// expirations, lists, hashes, and two scripted primitives (set if
// absent with TTL, delete if value equals expected).
package kv

import (
	"context"
	"time"
)

// Client is the minimal façade over the coordination store. All
// implementations are safe for concurrent use. Missing keys surface as
// errors.ErrNotFound from Get; list and hash reads return empty results
// for missing keys.
type Client interface {
	// Get returns the string value at key.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes keys; missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a TTL on an existing key; returns false if key is missing.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// HIncrBy atomically increments a hash field.
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
	// HGetAll returns all fields of a hash; empty map for missing keys.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// LPush prepends values to a list, returning the new length.
	LPush(ctx context.Context, key string, values ...string) (int64, error)
	// LRange returns list elements in [start, stop]; negative indexes
	// count from the tail, Redis-style.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LTrim trims a list to [start, stop].
	LTrim(ctx context.Context, key string, start, stop int64) error

	// SetNX stores value at key only if absent, with TTL, atomically.
	// Returns true when the value was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if its current value equals
	// expected, atomically. Returns true when the key was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Close releases the underlying connection.
	Close() error
}
