package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/memelib/memelib/pkg/cache"
	"github.com/memelib/memelib/pkg/embedding"
	"github.com/memelib/memelib/pkg/logging"
	"github.com/memelib/memelib/pkg/models"
	"github.com/memelib/memelib/pkg/perf"
	"github.com/memelib/memelib/pkg/store"
)

// ErrEmptyQuery is returned for blank search text.
var ErrEmptyQuery = errors.New("empty query")

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Option configures a Searcher.
type Option func(*Searcher)

// WithAssets resolves blob URLs for results through s.
func WithAssets(s store.Store) Option {
	return func(sr *Searcher) { sr.assets = s }
}

// WithPerf times embedding and index queries.
func WithPerf(t *perf.Tracker) Option {
	return func(sr *Searcher) { sr.perf = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(sr *Searcher) { sr.logger = l }
}

// Searcher runs cached semantic searches scoped to one user.
type Searcher struct {
	cache    *cache.Service
	embedder *embedding.CachedEmbedder
	index    VectorIndex
	assets   store.Store
	perf     *perf.Tracker
	logger   *slog.Logger
	inflight *Superseder
}

// NewSearcher creates a Searcher.
func NewSearcher(c *cache.Service, e *embedding.CachedEmbedder, idx VectorIndex, opts ...Option) *Searcher {
	s := &Searcher{
		cache:    c,
		embedder: e,
		index:    idx,
		logger:   logging.Nop(),
		inflight: NewSuperseder(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search returns up to limit assets of userID matching query. A newer search
// by the same user cancels this one, which then returns context.Canceled.
func (s *Searcher) Search(ctx context.Context, userID, query string, limit int) (models.SearchResponse, error) {
	q := cache.NormalizeQuery(query)
	if q == "" {
		return models.SearchResponse{}, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if results, ok := s.cache.GetSearchResults(ctx, userID, q); ok {
		return models.SearchResponse{Query: q, Results: truncate(results, limit), Cached: true}, nil
	}

	ctx, done := s.inflight.Begin(ctx, userID)
	defer done()

	id := uuid.NewString()
	s.perf.Start("search.embed#" + id)
	vec, err := s.embedder.EmbedQuery(ctx, q)
	s.perf.End("search.embed#" + id)
	if err != nil {
		return models.SearchResponse{}, fmt.Errorf("search: %w", err)
	}

	s.perf.Start("search.query#" + id)
	results, err := s.index.Query(ctx, userID, vec, maxLimit)
	s.perf.End("search.query#" + id)
	if err != nil {
		return models.SearchResponse{}, fmt.Errorf("search: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return models.SearchResponse{}, err
	}

	s.resolveBlobs(ctx, userID, results)
	if results == nil {
		results = []models.SearchResult{}
	}
	s.cache.SetSearchResults(ctx, userID, q, results)
	return models.SearchResponse{Query: q, Results: truncate(results, limit)}, nil
}

// IndexAsset stores an asset's image embedding in the cache and the index,
// then drops the owner's cached search results.
func (s *Searcher) IndexAsset(ctx context.Context, a models.Asset, vector []float32) error {
	s.cache.SetImageEmbedding(ctx, a.ID, vector)
	if err := s.index.Upsert(ctx, a.ID, a.UserID, vector); err != nil {
		return fmt.Errorf("index asset %s: %w", a.ID, err)
	}
	s.cache.InvalidateUserData(ctx, a.UserID)
	return nil
}

func (s *Searcher) resolveBlobs(ctx context.Context, userID string, results []models.SearchResult) {
	if s.assets == nil {
		return
	}
	for i := range results {
		if a, ok := s.cache.GetAsset(ctx, userID, results[i].AssetID); ok {
			results[i].BlobURL = a.BlobURL
			continue
		}
		a, err := s.assets.Get(ctx, results[i].AssetID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("resolve asset", "asset", results[i].AssetID, "err", err)
			}
			continue
		}
		if a.UserID != userID {
			continue
		}
		results[i].BlobURL = a.BlobURL
		s.cache.SetAsset(ctx, a)
	}
}

func truncate(r []models.SearchResult, n int) []models.SearchResult {
	if len(r) > n {
		return r[:n]
	}
	return r
}
