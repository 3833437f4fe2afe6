package cache

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memelib/memelib/pkg/clock"
	"github.com/memelib/memelib/pkg/metrics"
	"github.com/memelib/memelib/pkg/models"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend keeps one bounded LRU per namespace. A full namespace evicts
// its own least recently used entry; namespaces never evict each other.
type MemoryBackend struct {
	clock     clock.Clock
	metrics   *metrics.Metrics
	policies  Policies
	stores    map[Namespace]*lru.Cache[string, memoryEntry]
	evictions atomic.Int64
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMemoryClock sets the clock used for expiry checks.
func WithMemoryClock(c clock.Clock) MemoryOption {
	return func(b *MemoryBackend) { b.clock = c }
}

// WithMemoryMetrics records evictions.
func WithMemoryMetrics(m *metrics.Metrics) MemoryOption {
	return func(b *MemoryBackend) { b.metrics = m }
}

// NewMemoryBackend creates the per-namespace stores. Namespaces missing from
// policies use DefaultPolicies.
func NewMemoryBackend(policies Policies, opts ...MemoryOption) (*MemoryBackend, error) {
	b := &MemoryBackend{
		clock:    clock.Real(),
		policies: policies.withDefaults(),
		stores:   make(map[Namespace]*lru.Cache[string, memoryEntry], len(Namespaces)),
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, ns := range Namespaces {
		store, err := lru.New[string, memoryEntry](b.policies[ns].Capacity)
		if err != nil {
			return nil, fmt.Errorf("create %s store: %w", ns, err)
		}
		b.stores[ns] = store
	}
	return b, nil
}

func (b *MemoryBackend) store(key string) (Namespace, *lru.Cache[string, memoryEntry], error) {
	ns, ok := NamespaceOf(key)
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, key)
	}
	return ns, b.stores[ns], nil
}

// Get returns the live entry for key and marks it most recently used.
func (b *MemoryBackend) Get(_ context.Context, key string) (Item, bool, error) {
	_, store, err := b.store(key)
	if err != nil {
		return Item{}, false, err
	}
	e, ok := store.Get(key)
	if !ok {
		return Item{}, false, nil
	}
	if !b.clock.Now().Before(e.expiresAt) {
		store.Remove(key)
		return Item{}, false, nil
	}
	return Item{Value: e.value, ExpiresAt: e.expiresAt}, true, nil
}

// Set stores value, evicting the namespace's least recently used entry when full.
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	ns, store, err := b.store(key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = b.policies[ns].TTL
	}
	if evicted := store.Add(key, memoryEntry{value: value, expiresAt: b.clock.Now().Add(ttl)}); evicted {
		b.evictions.Add(1)
		b.metrics.CacheEviction(string(ns))
	}
	return nil
}

// Delete removes key.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	_, store, err := b.store(key)
	if err != nil {
		return err
	}
	store.Remove(key)
	return nil
}

// Keys lists keys with the given prefix, oldest first within each namespace.
func (b *MemoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for _, ns := range Namespaces {
		nsPrefix := ns.Prefix()
		if !strings.HasPrefix(prefix, nsPrefix) && !strings.HasPrefix(nsPrefix, prefix) {
			continue
		}
		for _, k := range b.stores[ns].Keys() {
			if strings.HasPrefix(k, prefix) {
				out = append(out, k)
			}
		}
	}
	return out, nil
}

// Clear empties every namespace.
func (b *MemoryBackend) Clear(context.Context) error {
	for _, store := range b.stores {
		store.Purge()
	}
	return nil
}

// Len returns the number of stored entries across namespaces.
func (b *MemoryBackend) Len() int {
	n := 0
	for _, store := range b.stores {
		n += store.Len()
	}
	return n
}

// Evictions returns the number of capacity evictions so far.
func (b *MemoryBackend) Evictions() int64 {
	return b.evictions.Load()
}

// Namespaces reports occupancy per namespace.
func (b *MemoryBackend) Namespaces() []models.NamespaceStats {
	out := make([]models.NamespaceStats, 0, len(Namespaces))
	for _, ns := range Namespaces {
		out = append(out, models.NamespaceStats{
			Namespace: string(ns),
			Entries:   b.stores[ns].Len(),
			Capacity:  b.policies[ns].Capacity,
			TTL:       b.policies[ns].TTL,
		})
	}
	return out
}
