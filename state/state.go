// Package state abstracts the shared key-value store behind the gateway's
// caches, counters and coalescing leases. Two implementations exist: Valkey
// for multi-replica deployments and an in-process manager for standalone use
// and tests. All operations are single-key atomic; leader election relies on
// the atomicity of SetNX.
package state

import (
	"context"
	"time"
)

type Manager interface {
	// Get returns the value for key, or (nil, nil) when the key is absent or
	// expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value under key only if the key is absent. Returns true
	// when the caller installed the value.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Removing an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Expire overwrites the remaining lifetime of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Increment adds 1 to the integer at key, creating it at zero. ttl is
	// applied only when the key is created, so a counter window expires at a
	// fixed point regardless of later increments.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrementBy is Increment with an arbitrary delta.
	IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// HGet returns a hash field, or (nil, nil) when absent.
	HGet(ctx context.Context, key string, field string) ([]byte, error)

	// HSet stores a hash field.
	HSet(ctx context.Context, key string, field string, value []byte) error

	// HIncrBy adds delta to the integer hash field, creating it at zero.
	HIncrBy(ctx context.Context, key string, field string, delta int64) (int64, error)
}
