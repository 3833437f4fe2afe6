// Package server exposes the memelib HTTP and WebSocket API.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/memelib/memelib/pkg/cache"
	"github.com/memelib/memelib/pkg/config"
	"github.com/memelib/memelib/pkg/events"
	"github.com/memelib/memelib/pkg/limit"
	"github.com/memelib/memelib/pkg/logging"
	"github.com/memelib/memelib/pkg/metrics"
	"github.com/memelib/memelib/pkg/models"
	"github.com/memelib/memelib/pkg/search"
	"github.com/memelib/memelib/pkg/store"
)

const maxStatusBatch = 100

// Deps are the components a Server is wired with. Journal, Limits, Searcher
// and Metrics are optional.
type Deps struct {
	Store    store.Store
	Cache    *cache.Service
	Journal  *events.Journal
	Limits   *limit.Enforcer
	Searcher *search.Searcher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server is the memelib API server.
type Server struct {
	cfg      *config.Config
	store    store.Store
	cache    *cache.Service
	journal  *events.Journal
	limits   *limit.Enforcer
	searcher *search.Searcher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	hub      *Hub
	mux      *http.ServeMux
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	s := &Server{
		cfg:      cfg,
		store:    d.Store,
		cache:    d.Cache,
		journal:  d.Journal,
		limits:   d.Limits,
		searcher: d.Searcher,
		metrics:  d.Metrics,
		logger:   d.Logger,
		mux:      http.NewServeMux(),
	}
	s.hub = NewHub(d.Journal, d.Metrics, d.Logger)

	s.mux.HandleFunc("POST /api/embeddings/status", s.handleStatusBatch)
	s.mux.HandleFunc("POST /api/embeddings/retry", s.handleRetry)
	s.mux.HandleFunc("POST /api/assets/{id}/status", s.handleAssetStatus)
	s.mux.HandleFunc("GET /api/search", s.handleSearch)
	s.mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("DELETE /api/cache/users/{id}", s.handleInvalidateUser)
	s.mux.HandleFunc("GET /api/ws", s.hub.ServeWS)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if d.Metrics != nil {
		s.mux.Handle("GET /metrics", d.Metrics.Handler())
	}
	return s
}

// Hub returns the realtime hub.
func (s *Server) Hub() *Hub { return s.hub }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", reqID)

	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	s.metrics.ObserveHTTP(route, strconv.Itoa(rec.code), time.Since(start))
	s.logger.Debug("request", "route", route, "code", rec.code, "request_id", reqID, "duration", time.Since(start))
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("memelib listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.hub.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatusBatch(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "status") {
		return
	}
	var req models.StatusBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.AssetIDs) > maxStatusBatch {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("at most %d asset ids per request", maxStatusBatch))
		return
	}

	statuses, err := s.store.Statuses(r.Context(), userID(r), req.AssetIDs)
	if err != nil {
		s.logger.Error("status batch", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, models.StatusBatchResponse{Statuses: statuses})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "retry") {
		return
	}
	var req models.RetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssetID == "" {
		writeJSONError(w, http.StatusBadRequest, "assetId is required")
		return
	}

	if uid := userID(r); uid != "" {
		a, err := s.store.Get(r.Context(), req.AssetID)
		if err == nil && a.UserID != uid {
			writeJSONError(w, http.StatusNotFound, "asset not found")
			return
		}
	}

	a, err := s.store.MarkRetry(r.Context(), req.AssetID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "asset not found")
		return
	}
	if err != nil {
		s.logger.Error("mark retry", "asset", req.AssetID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "retry failed")
		return
	}

	s.publish(r.Context(), a)
	writeJSON(w, http.StatusAccepted, a.Status)
}

func (s *Server) handleAssetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var u models.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !u.Status.Valid() {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", u.Status))
		return
	}

	a, err := s.store.SetStatus(r.Context(), id, u)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "asset not found")
		return
	}
	if err != nil {
		s.logger.Error("set status", "asset", id, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "status update failed")
		return
	}

	if u.Status == models.StatusReady && len(u.Embedding) > 0 && s.searcher != nil {
		if err := s.searcher.IndexAsset(r.Context(), a, u.Embedding); err != nil {
			s.logger.Warn("index asset", "asset", id, "err", err)
		}
	}

	s.publish(r.Context(), a)
	writeJSON(w, http.StatusOK, a)
}

// publish drops stale cache entries for a, journals the change and pushes
// it to realtime subscribers.
func (s *Server) publish(ctx context.Context, a models.Asset) {
	s.cache.InvalidateAsset(ctx, a.UserID, a.ID)

	ev := models.StatusEvent{
		Type:         models.EventEmbeddingStatus,
		Topic:        models.EventEmbeddingStatus,
		AssetID:      a.ID,
		UserID:       a.UserID,
		Status:       a.Status.Status,
		HasEmbedding: a.Status.HasEmbedding,
		Error:        a.Status.Error,
	}
	if err := s.journal.Append(ctx, &ev); err != nil {
		s.logger.Warn("journal event", "asset", a.ID, "err", err)
	}
	s.hub.Broadcast(ev)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	if !s.allow(w, r, "search") {
		return
	}
	if s.searcher == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "search is not configured")
		return
	}

	topK := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		topK = n
	}

	resp, err := s.searcher.Search(r.Context(), uid, r.URL.Query().Get("q"), topK)
	switch {
	case errors.Is(err, search.ErrEmptyQuery):
		writeJSONError(w, http.StatusBadRequest, "q is required")
		return
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusConflict, "superseded by a newer search")
		return
	case err != nil:
		s.logger.Error("search", "user", uid, "err", err)
		writeJSONError(w, http.StatusBadGateway, "search failed")
		return
	}

	if resp.Cached {
		w.Header().Set("X-Memelib-Cache", "hit")
	} else {
		w.Header().Set("X-Memelib-Cache", "miss")
	}
	writeJSON(w, http.StatusOK, resp)
}

type cacheStatsResponse struct {
	models.CacheStats
	Namespaces []models.NamespaceStats `json:"namespaces,omitempty"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	resp := cacheStatsResponse{CacheStats: s.cache.Stats()}
	if nl, ok := s.cache.Backend().(interface {
		Namespaces() []models.NamespaceStats
	}); ok {
		resp.Namespaces = nl.Namespaces()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInvalidateUser(w http.ResponseWriter, r *http.Request) {
	n := s.cache.InvalidateUserData(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.hub.Clients()})
}

// allow applies rate limits for the caller on route, writing 429 when exceeded.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, route string) bool {
	uid := userID(r)
	if uid == "" {
		uid = "anonymous"
	}
	if err := s.limits.Check(uid, route); err != nil {
		if errors.Is(err, limit.ErrRateLimited) {
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return false
		}
		writeJSONError(w, http.StatusInternalServerError, "rate limit check failed")
		return false
	}
	return true
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"memelib_error","code":%d}}`, message, code)
}
