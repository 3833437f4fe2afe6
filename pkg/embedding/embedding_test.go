package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelib/memelib/pkg/cache"
	"github.com/memelib/memelib/pkg/retry"
)

type countingEmbedder struct {
	calls    atomic.Int32
	failures int32
}

func (c *countingEmbedder) Embed(_ context.Context, texts []string, _ InputType) ([][]float32, error) {
	n := c.calls.Add(1)
	if n <= c.failures {
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func newTestCache(t *testing.T) *cache.Service {
	t.Helper()
	b, err := cache.NewMemoryBackend(nil)
	require.NoError(t, err)
	return cache.NewService(b)
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestCachedEmbedderUsesCache(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewCachedEmbedder(inner, newTestCache(t), WithRetry(fastRetry()))
	ctx := context.Background()

	v1, err := e.EmbedQuery(ctx, "distracted boyfriend")
	require.NoError(t, err)
	v2, err := e.EmbedQuery(ctx, "distracted boyfriend")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestCachedEmbedderRetries(t *testing.T) {
	inner := &countingEmbedder{failures: 2}
	e := NewCachedEmbedder(inner, newTestCache(t), WithRetry(fastRetry()))

	_, err := e.EmbedQuery(context.Background(), "doge")
	require.NoError(t, err)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestCachedEmbedderGivesUp(t *testing.T) {
	inner := &countingEmbedder{failures: 10}
	e := NewCachedEmbedder(inner, nil, WithRetry(fastRetry()))

	_, err := e.EmbedQuery(context.Background(), "doge")
	assert.Error(t, err)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestCachedEmbedderWithoutProvider(t *testing.T) {
	e := NewCachedEmbedder(nil, newTestCache(t))
	_, err := e.EmbedQuery(context.Background(), "doge")
	assert.ErrorIs(t, err, ErrNoEmbedder)
}

func TestHashEmbedderSimilarity(t *testing.T) {
	h := NewHashEmbedder(64)
	vecs, err := h.Embed(context.Background(), []string{"cat meme", "Cat  MEME", ""}, InputQuery)
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	assert.Equal(t, vecs[0], vecs[1])
	assert.Len(t, vecs[0], 64)
	for _, x := range vecs[2] {
		assert.Zero(t, x)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &HashEmbedder{}, e)

	e, err = New(Config{APIKey: "pa-test"})
	require.NoError(t, err)
	assert.IsType(t, &VoyageEmbedder{}, e)

	_, err = New(Config{Provider: "voyage"})
	assert.ErrorIs(t, err, ErrNoEmbedder)

	_, err = New(Config{Provider: "openai"})
	assert.Error(t, err)
}
