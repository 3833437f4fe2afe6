package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CacheHit("txt")
	m.CacheMiss("txt")
	m.StatusBatch(true)
	m.RealtimeConnected(true)
	m.ObserveHTTP("/x", "200", time.Millisecond)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.CacheHit("txt")
	m.CacheHit("txt")
	m.CacheMiss("img")
	m.StatusBatch(true)

	if got := testutil.ToFloat64(m.cacheHits.WithLabelValues("txt")); got != 2 {
		t.Errorf("expected 2 txt hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.statusBatchErrors); got != 1 {
		t.Errorf("expected 1 batch error, got %v", got)
	}

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "memelib_cache_hits_total") {
		t.Error("expected cache hit counter in exposition output")
	}
}
