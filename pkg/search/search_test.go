package search

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelib/memelib/pkg/cache"
	"github.com/memelib/memelib/pkg/embedding"
	"github.com/memelib/memelib/pkg/models"
	"github.com/memelib/memelib/pkg/store"
)

type fixture struct {
	cache    *cache.Service
	index    *MemoryIndex
	store    *store.SQLiteStore
	embedder *embedding.HashEmbedder
	searcher *Searcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := cache.NewMemoryBackend(nil)
	require.NoError(t, err)
	c := cache.NewService(b)

	st, err := store.New(filepath.Join(t.TempDir(), "assets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := embedding.NewHashEmbedder(64)
	idx := NewMemoryIndex()
	s := NewSearcher(c, embedding.NewCachedEmbedder(h, c), idx, WithAssets(st))
	return &fixture{cache: c, index: idx, store: st, embedder: h, searcher: s}
}

func (f *fixture) add(t *testing.T, id, userID, caption string) {
	t.Helper()
	ctx := context.Background()
	a := models.Asset{ID: id, UserID: userID, BlobURL: "https://blob/" + id + ".png"}
	require.NoError(t, f.store.Upsert(ctx, a))
	vecs, err := f.embedder.Embed(ctx, []string{caption}, embedding.InputDocument)
	require.NoError(t, err)
	require.NoError(t, f.searcher.IndexAsset(ctx, a, vecs[0]))
}

func TestSearchRanksAndCaches(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a1", "u1", "grumpy cat")
	f.add(t, "a2", "u1", "dancing dog")
	f.add(t, "b1", "u2", "grumpy cat")
	ctx := context.Background()

	resp, err := f.searcher.Search(ctx, "u1", "  Grumpy   CAT ", 10)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, "grumpy cat", resp.Query)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a1", resp.Results[0].AssetID)
	assert.Equal(t, "https://blob/a1.png", resp.Results[0].BlobURL)

	resp, err = f.searcher.Search(ctx, "u1", "grumpy cat", 1)
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Len(t, resp.Results, 1)

	_, ok := f.cache.GetAsset(ctx, "u1", "a1")
	assert.True(t, ok, "resolved assets are cached")
}

func TestIndexAssetInvalidatesSearches(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a1", "u1", "grumpy cat")
	ctx := context.Background()

	_, err := f.searcher.Search(ctx, "u1", "cat", 10)
	require.NoError(t, err)

	f.add(t, "a2", "u1", "cat")
	resp, err := f.searcher.Search(ctx, "u1", "cat", 10)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Len(t, resp.Results, 2)

	_, ok := f.cache.GetImageEmbedding(ctx, "a2")
	assert.True(t, ok)
}

func TestSearchEmptyQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.searcher.Search(context.Background(), "u1", "   ", 10)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

type blockingEmbedder struct {
	started chan struct{}
}

func (b *blockingEmbedder) Embed(ctx context.Context, texts []string, _ embedding.InputType) ([][]float32, error) {
	if texts[0] == "slow" {
		close(b.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return [][]float32{{1, 0}}, nil
}

func TestNewerSearchSupersedesOlder(t *testing.T) {
	b, err := cache.NewMemoryBackend(nil)
	require.NoError(t, err)
	c := cache.NewService(b)
	be := &blockingEmbedder{started: make(chan struct{})}
	s := NewSearcher(c, embedding.NewCachedEmbedder(be, c), NewMemoryIndex())

	errc := make(chan error, 1)
	go func() {
		_, err := s.Search(context.Background(), "u1", "slow", 10)
		errc <- err
	}()
	<-be.started

	_, err = s.Search(context.Background(), "u1", "fast", 10)
	require.NoError(t, err)

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("older search was not cancelled")
	}
	assert.Equal(t, 0, s.inflight.InFlight())
}

func TestMemoryIndex(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "a1", "u1", []float32{1, 0}))
	require.NoError(t, idx.Upsert(ctx, "a2", "u1", []float32{0.7, 0.7}))
	require.NoError(t, idx.Upsert(ctx, "a3", "u1", []float32{0, 1}))

	res, err := idx.Query(ctx, "u1", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a1", res[0].AssetID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-6)
	assert.Equal(t, "a2", res[1].AssetID)

	require.NoError(t, idx.Delete(ctx, []string{"a1"}))
	assert.Equal(t, 2, idx.Len())

	res, _ = idx.Query(ctx, "u2", []float32{1, 0}, 10)
	assert.Empty(t, res)
}

func TestSuperseder(t *testing.T) {
	s := NewSuperseder()
	ctx1, done1 := s.Begin(context.Background(), "k")
	ctx2, done2 := s.Begin(context.Background(), "k")

	assert.Error(t, ctx1.Err())
	assert.NoError(t, ctx2.Err())

	done1()
	assert.Equal(t, 1, s.InFlight(), "finishing a superseded call keeps the newer one")
	done2()
	assert.Equal(t, 0, s.InFlight())
}
