package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/memelib/memelib/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, models.Asset{ID: "a1", UserID: "u1", BlobURL: "https://blob/a1.png"}); err != nil {
		t.Fatal(err)
	}

	a, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status.Status != models.StatusPending {
		t.Errorf("expected pending, got %s", a.Status.Status)
	}
	if a.BlobURL != "https://blob/a1.png" {
		t.Errorf("unexpected blob url %q", a.BlobURL)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertRejectsInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	err := s.Upsert(context.Background(), models.Asset{ID: "a1", UserID: "u1", Status: models.EmbeddingStatus{Status: "done"}})
	if err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Upsert(ctx, models.Asset{ID: "a1", UserID: "u1"})
	_ = s.Upsert(ctx, models.Asset{ID: "a2", UserID: "u1", Status: models.EmbeddingStatus{Status: models.StatusReady, HasEmbedding: true}})
	_ = s.Upsert(ctx, models.Asset{ID: "b1", UserID: "u2"})

	got, err := s.Statuses(ctx, "", []string{"a1", "a2", "b1", "zz"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(got))
	}
	if !got["a2"].HasEmbedding || got["a2"].Status != models.StatusReady {
		t.Errorf("unexpected a2 status %+v", got["a2"])
	}

	got, err = s.Statuses(ctx, "u1", []string{"a1", "b1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["b1"]; ok || len(got) != 1 {
		t.Errorf("expected only u1 assets, got %+v", got)
	}

	got, _ = s.Statuses(ctx, "", nil)
	if len(got) != 0 {
		t.Errorf("expected empty result, got %+v", got)
	}
}

func TestSetStatusAndRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.Upsert(ctx, models.Asset{ID: "a1", UserID: "u1"})

	a, err := s.SetStatus(ctx, "a1", models.StatusUpdate{Status: models.StatusFailed, Error: "decode error"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status.Status != models.StatusFailed || a.Status.Error != "decode error" {
		t.Errorf("unexpected status %+v", a.Status)
	}

	a, err = s.MarkRetry(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status.Status != models.StatusProcessing || a.Status.RetryCount != 1 || a.Status.Error != "" {
		t.Errorf("unexpected status after retry %+v", a.Status)
	}

	if _, err := s.SetStatus(ctx, "missing", models.StatusUpdate{Status: models.StatusReady}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.MarkRetry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListByUserAndSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"a1", "a2", "a3"} {
		_ = s.Upsert(ctx, models.Asset{ID: id, UserID: "u1", CreatedAt: now.Add(time.Duration(i) * time.Second)})
	}
	_ = s.Upsert(ctx, models.Asset{ID: "b1", UserID: "u2"})
	_, _ = s.SetStatus(ctx, "a3", models.StatusUpdate{Status: models.StatusReady, HasEmbedding: true})

	assets, err := s.ListByUser(ctx, "u1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(assets) != 2 || assets[0].ID != "a3" {
		t.Errorf("expected newest first, got %+v", assets)
	}

	sums, err := s.Summary(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	counts := map[models.StatusValue]int{}
	for _, sum := range sums {
		counts[sum.Status] = sum.Count
	}
	if counts[models.StatusPending] != 2 || counts[models.StatusReady] != 1 {
		t.Errorf("unexpected summary %+v", sums)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s1, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	_ = s1.Upsert(context.Background(), models.Asset{ID: "a1", UserID: "u1"})
	if _, err := s1.MarkRetry(context.Background(), "a1"); err != nil {
		t.Fatal(err)
	}
	_ = s1.Close()

	s2, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	a, err := s2.Get(context.Background(), "a1")
	if err != nil {
		t.Fatalf("expected asset to survive reopen: %v", err)
	}
	if a.Status.RetryCount != 1 {
		t.Errorf("expected retry count 1 after reopen, got %d", a.Status.RetryCount)
	}
}
