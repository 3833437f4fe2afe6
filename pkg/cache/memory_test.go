package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelib/memelib/pkg/clock"
)

func newTestMemory(t *testing.T, p Policies, c clock.Clock) *MemoryBackend {
	t.Helper()
	b, err := NewMemoryBackend(p, WithMemoryClock(c))
	require.NoError(t, err)
	return b
}

func TestMemoryBackendEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(0, 0))
	b := newTestMemory(t, Policies{NamespaceText: {Capacity: 3, TTL: time.Hour}}, c)

	for i := range 3 {
		require.NoError(t, b.Set(ctx, NamespaceText.Key(fmt.Sprint(i)), []byte{byte(i)}, 0))
	}
	// Touch 0 so 1 becomes the least recently used.
	_, ok, err := b.Get(ctx, NamespaceText.Key("0"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Set(ctx, NamespaceText.Key("3"), []byte{3}, 0))

	_, ok, _ = b.Get(ctx, NamespaceText.Key("1"))
	assert.False(t, ok, "least recently used entry should be evicted")
	for _, k := range []string{"0", "2", "3"} {
		_, ok, _ = b.Get(ctx, NamespaceText.Key(k))
		assert.True(t, ok, "entry %s should survive", k)
	}
	assert.Equal(t, int64(1), b.Evictions())
}

func TestMemoryBackendNeverExceedsCapacity(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(0, 0))
	policies := Policies{
		NamespaceText:   {Capacity: 5},
		NamespaceImage:  {Capacity: 2},
		NamespaceSearch: {Capacity: 3},
		NamespaceAssets: {Capacity: 1},
	}
	b := newTestMemory(t, policies, c)

	for i := range 50 {
		for _, ns := range Namespaces {
			require.NoError(t, b.Set(ctx, ns.Key(fmt.Sprint(i)), []byte("v"), 0))
		}
		for _, st := range b.Namespaces() {
			assert.LessOrEqual(t, st.Entries, st.Capacity, "namespace %s over capacity", st.Namespace)
		}
	}
}

func TestMemoryBackendNamespacesAreIndependent(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(0, 0))
	b := newTestMemory(t, Policies{NamespaceText: {Capacity: 2}, NamespaceImage: {Capacity: 2}}, c)

	require.NoError(t, b.Set(ctx, NamespaceImage.Key("a"), []byte("img"), 0))
	for i := range 10 {
		require.NoError(t, b.Set(ctx, NamespaceText.Key(fmt.Sprint(i)), []byte("t"), 0))
	}

	_, ok, err := b.Get(ctx, NamespaceImage.Key("a"))
	require.NoError(t, err)
	assert.True(t, ok, "filling txt must not evict img entries")
}

func TestMemoryBackendExpiry(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(0, 0))
	b := newTestMemory(t, nil, c)

	require.NoError(t, b.Set(ctx, NamespaceSearch.Key("u", "q"), []byte("r"), time.Minute))
	_, ok, _ := b.Get(ctx, NamespaceSearch.Key("u", "q"))
	assert.True(t, ok)

	c.Advance(time.Minute)
	_, ok, _ = b.Get(ctx, NamespaceSearch.Key("u", "q"))
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len(), "expired entry is removed on read")
}

func TestMemoryBackendUnknownNamespace(t *testing.T) {
	b := newTestMemory(t, nil, clock.Real())
	err := b.Set(context.Background(), "bogus:1", nil, 0)
	assert.ErrorIs(t, err, ErrUnknownNamespace)
}

func TestMemoryBackendKeys(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t, nil, clock.Real())
	require.NoError(t, b.Set(ctx, NamespaceSearch.Key("u1", "a"), nil, 0))
	require.NoError(t, b.Set(ctx, NamespaceSearch.Key("u2", "a"), nil, 0))
	require.NoError(t, b.Set(ctx, NamespaceAssets.Key("u1", "x"), nil, 0))

	keys, err := b.Keys(ctx, NamespaceSearch.Key("u1")+":")
	require.NoError(t, err)
	assert.Equal(t, []string{"search:u1:a"}, keys)

	all, err := b.Keys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
