package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memelib/memelib/pkg/clock"
	"github.com/memelib/memelib/pkg/logging"
	"github.com/memelib/memelib/pkg/metrics"
	"github.com/memelib/memelib/pkg/models"
)

// envelope wraps every stored value with the unhashed input it was keyed by,
// so a hash collision reads as a miss instead of returning another input's value.
type envelope struct {
	Input string          `json:"k"`
	Value json.RawMessage `json:"v"`
}

// Service is the domain facade over a Backend. Its methods never return
// errors: a failing backend is logged and behaves like a cache miss.
type Service struct {
	backend  Backend
	policies Policies
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	hits       atomic.Int64
	misses     atomic.Int64
	collisions atomic.Int64

	mu        sync.Mutex
	lastReset time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPolicies overrides namespace TTL defaults.
func WithPolicies(p Policies) Option {
	return func(s *Service) { s.policies = p.withDefaults() }
}

// WithClock sets the clock used for LastReset.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger for backend failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records hit and miss counters per namespace.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service over backend.
func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:  backend,
		policies: DefaultPolicies(),
		clock:    clock.Real(),
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastReset = s.clock.Now()
	return s
}

// Backend returns the underlying backend.
func (s *Service) Backend() Backend { return s.backend }

// GetTextEmbedding returns the cached embedding of a query text.
func (s *Service) GetTextEmbedding(ctx context.Context, text string) ([]float32, bool) {
	var emb []float32
	if !s.lookup(ctx, NamespaceText, NamespaceText.Key(HashKey(text)), text, &emb) {
		return nil, false
	}
	return emb, true
}

// SetTextEmbedding caches the embedding of a query text.
func (s *Service) SetTextEmbedding(ctx context.Context, text string, embedding []float32) {
	s.store(ctx, NamespaceText, NamespaceText.Key(HashKey(text)), text, embedding, 0)
}

// GetImageEmbedding returns the cached embedding of an asset image.
func (s *Service) GetImageEmbedding(ctx context.Context, assetID string) ([]float32, bool) {
	var emb []float32
	if !s.lookup(ctx, NamespaceImage, NamespaceImage.Key(assetID), assetID, &emb) {
		return nil, false
	}
	return emb, true
}

// SetImageEmbedding caches the embedding of an asset image.
func (s *Service) SetImageEmbedding(ctx context.Context, assetID string, embedding []float32) {
	s.store(ctx, NamespaceImage, NamespaceImage.Key(assetID), assetID, embedding, 0)
}

// NormalizeQuery is the form under which search results are cached.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

func searchKey(userID, query string) string {
	return NamespaceSearch.UserKey(userID, HashKey(NormalizeQuery(query)))
}

// GetSearchResults returns cached results of a user's query.
func (s *Service) GetSearchResults(ctx context.Context, userID, query string) ([]models.SearchResult, bool) {
	var results []models.SearchResult
	if !s.lookup(ctx, NamespaceSearch, searchKey(userID, query), NormalizeQuery(query), &results) {
		return nil, false
	}
	return results, true
}

// SetSearchResults caches results of a user's query.
func (s *Service) SetSearchResults(ctx context.Context, userID, query string, results []models.SearchResult) {
	s.store(ctx, NamespaceSearch, searchKey(userID, query), NormalizeQuery(query), results, 0)
}

// GetAsset returns cached asset metadata.
func (s *Service) GetAsset(ctx context.Context, userID, assetID string) (models.Asset, bool) {
	var a models.Asset
	if !s.lookup(ctx, NamespaceAssets, NamespaceAssets.UserKey(userID, assetID), assetID, &a) {
		return models.Asset{}, false
	}
	return a, true
}

// SetAsset caches asset metadata under its owner.
func (s *Service) SetAsset(ctx context.Context, asset models.Asset) {
	s.store(ctx, NamespaceAssets, NamespaceAssets.UserKey(asset.UserID, asset.ID), asset.ID, asset, 0)
}

// Get reads an arbitrary value keyed by id in ns into dst. The id is hashed.
func (s *Service) Get(ctx context.Context, ns Namespace, id string, dst any) bool {
	return s.lookup(ctx, ns, ns.Key(HashKey(id)), id, dst)
}

// Set stores v keyed by id in ns. A zero ttl uses the namespace default.
func (s *Service) Set(ctx context.Context, ns Namespace, id string, v any, ttl time.Duration) {
	s.store(ctx, ns, ns.Key(HashKey(id)), id, v, ttl)
}

// InvalidateUserData drops every user-scoped entry belonging to userID and
// returns how many keys were removed. This scans the user-scoped namespaces.
func (s *Service) InvalidateUserData(ctx context.Context, userID string) int {
	removed := 0
	for _, ns := range userScoped {
		keys, err := s.backend.Keys(ctx, ns.UserPrefix(userID))
		if err != nil {
			s.logger.Warn("cache scan failed", "namespace", ns, "user", userID, "err", err)
			continue
		}
		for _, k := range keys {
			if err := s.backend.Delete(ctx, k); err != nil {
				s.logger.Warn("cache delete failed", "key", k, "err", err)
				continue
			}
			removed++
		}
	}
	return removed
}

// InvalidateAsset drops the metadata and image embedding of one asset.
func (s *Service) InvalidateAsset(ctx context.Context, userID, assetID string) {
	for _, k := range []string{NamespaceAssets.UserKey(userID, assetID), NamespaceImage.Key(assetID)} {
		if err := s.backend.Delete(ctx, k); err != nil {
			s.logger.Warn("cache delete failed", "key", k, "err", err)
		}
	}
}

// Clear empties the backend and resets the counters.
func (s *Service) Clear(ctx context.Context) {
	if err := s.backend.Clear(ctx); err != nil {
		s.logger.Warn("cache clear failed", "err", err)
	}
	s.ResetStats()
}

// Stats returns a snapshot of the counters.
func (s *Service) Stats() models.CacheStats {
	hits, misses := s.hits.Load(), s.misses.Load()
	st := models.CacheStats{
		Hits:          hits,
		Misses:        misses,
		TotalRequests: hits + misses,
		Collisions:    s.collisions.Load(),
	}
	if st.TotalRequests > 0 {
		st.HitRate = float64(hits) / float64(st.TotalRequests)
	}
	if l, ok := s.backend.(Lener); ok {
		st.Entries = int64(l.Len())
	}
	if e, ok := s.backend.(EvictionCounter); ok {
		st.Evictions = e.Evictions()
	}
	s.mu.Lock()
	st.LastReset = s.lastReset
	s.mu.Unlock()
	return st
}

// ResetStats zeroes the counters and records the reset time.
func (s *Service) ResetStats() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.collisions.Store(0)
	s.mu.Lock()
	s.lastReset = s.clock.Now()
	s.mu.Unlock()
}

func (s *Service) lookup(ctx context.Context, ns Namespace, key, input string, dst any) bool {
	item, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache get failed", "key", key, "err", err)
		return s.miss(ns)
	}
	if !ok {
		return s.miss(ns)
	}

	var env envelope
	if err := json.Unmarshal(item.Value, &env); err != nil {
		s.logger.Warn("cache entry corrupt", "key", key, "err", err)
		return s.miss(ns)
	}
	if env.Input != input {
		s.collisions.Add(1)
		s.logger.Debug("cache key collision", "key", key)
		return s.miss(ns)
	}
	if err := json.Unmarshal(env.Value, dst); err != nil {
		s.logger.Warn("cache value decode failed", "key", key, "err", err)
		return s.miss(ns)
	}

	s.hits.Add(1)
	s.metrics.CacheHit(string(ns))
	return true
}

func (s *Service) miss(ns Namespace) bool {
	s.misses.Add(1)
	s.metrics.CacheMiss(string(ns))
	return false
}

func (s *Service) store(ctx context.Context, ns Namespace, key, input string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("cache value encode failed", "key", key, "err", err)
		return
	}
	data, err := json.Marshal(envelope{Input: input, Value: raw})
	if err != nil {
		s.logger.Warn("cache value encode failed", "key", key, "err", err)
		return
	}
	if ttl <= 0 {
		ttl = s.policies[ns].TTL
	}
	if err := s.backend.Set(ctx, key, data, ttl); err != nil {
		s.logger.Warn("cache set failed", "key", key, "err", err)
	}
}
