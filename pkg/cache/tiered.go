package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/memelib/memelib/pkg/clock"
	"github.com/memelib/memelib/pkg/logging"
)

// Tiered is a two-level Backend: a small fast L1 in front of a larger,
// possibly remote or persistent, L2. Reads fall through to L2 and promote
// hits into L1 for their remaining lifetime. Writes and deletes go to both.
type Tiered struct {
	l1, l2 Backend
	clock  clock.Clock
	logger *slog.Logger
}

// NewTiered combines l1 and l2.
func NewTiered(l1, l2 Backend, c clock.Clock, logger *slog.Logger) *Tiered {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Tiered{l1: l1, l2: l2, clock: c, logger: logger}
}

// Get reads L1 then L2. An error is returned only when neither tier answered.
func (t *Tiered) Get(ctx context.Context, key string) (Item, bool, error) {
	item, ok, err1 := t.l1.Get(ctx, key)
	if err1 == nil && ok {
		return item, true, nil
	}
	if err1 != nil {
		t.logger.Warn("cache l1 get failed", "key", key, "err", err1)
	}

	item, ok, err2 := t.l2.Get(ctx, key)
	if err2 != nil {
		if err1 != nil {
			return Item{}, false, errors.Join(err1, err2)
		}
		t.logger.Warn("cache l2 get failed", "key", key, "err", err2)
		return Item{}, false, nil
	}
	if !ok {
		return Item{}, false, nil
	}

	if remaining := item.ExpiresAt.Sub(t.clock.Now()); remaining > 0 {
		if err := t.l1.Set(ctx, key, item.Value, remaining); err != nil {
			t.logger.Warn("cache l1 promote failed", "key", key, "err", err)
		}
	}
	return item, true, nil
}

// Set writes both tiers.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.Join(t.l1.Set(ctx, key, value, ttl), t.l2.Set(ctx, key, value, ttl))
}

// Delete removes key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	return errors.Join(t.l1.Delete(ctx, key), t.l2.Delete(ctx, key))
}

// Keys returns the union of both tiers' keys.
func (t *Tiered) Keys(ctx context.Context, prefix string) ([]string, error) {
	k1, err1 := t.l1.Keys(ctx, prefix)
	k2, err2 := t.l2.Keys(ctx, prefix)
	if err1 != nil && err2 != nil {
		return nil, errors.Join(err1, err2)
	}

	seen := make(map[string]struct{}, len(k1)+len(k2))
	out := make([]string, 0, len(k1)+len(k2))
	for _, k := range append(k1, k2...) {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out, nil
}

// Clear empties both tiers.
func (t *Tiered) Clear(ctx context.Context) error {
	return errors.Join(t.l1.Clear(ctx), t.l2.Clear(ctx))
}

// Len reports the L1 entry count when available.
func (t *Tiered) Len() int {
	if l, ok := t.l1.(Lener); ok {
		return l.Len()
	}
	return 0
}

// Evictions reports L1 evictions when available.
func (t *Tiered) Evictions() int64 {
	if e, ok := t.l1.(EvictionCounter); ok {
		return e.Evictions()
	}
	return 0
}
