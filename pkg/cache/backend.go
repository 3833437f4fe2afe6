// Package cache implements the namespaced, bounded, TTL-aware cache that sits
// in front of the embedding and search APIs.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownNamespace is returned for keys without a known namespace prefix.
var ErrUnknownNamespace = errors.New("unknown cache namespace")

// Item is a stored value and its absolute expiry.
type Item struct {
	Value     []byte
	ExpiresAt time.Time
}

// Backend stores raw cache values. Implementations must treat expired items
// as absent.
type Backend interface {
	// Get returns the live item stored under key.
	Get(ctx context.Context, key string) (Item, bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists stored keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Clear removes everything.
	Clear(ctx context.Context) error
}

// Lener is implemented by backends that can report their entry count.
type Lener interface {
	Len() int
}

// EvictionCounter is implemented by backends that bound their size.
type EvictionCounter interface {
	Evictions() int64
}
