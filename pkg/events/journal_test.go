package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/memelib/memelib/pkg/models"
)

func tempCfg(t *testing.T) models.EventsConfig {
	t.Helper()
	return models.EventsConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "events_test.db"),
		RetentionDays: 7,
	}
}

func mustNew(t *testing.T, cfg models.EventsConfig) *Journal {
	t.Helper()
	j, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func sampleEvent(assetID string, status models.StatusValue) *models.StatusEvent {
	return &models.StatusEvent{
		AssetID:      assetID,
		UserID:       "u1",
		Status:       status,
		HasEmbedding: status == models.StatusReady,
	}
}

func TestAppendAssignsSequence(t *testing.T) {
	j := mustNew(t, tempCfg(t))
	ctx := context.Background()

	first := sampleEvent("a1", models.StatusProcessing)
	second := sampleEvent("a1", models.StatusReady)
	if err := j.Append(ctx, first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Append(ctx, second); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if first.Seq == 0 || second.Seq <= first.Seq {
		t.Errorf("expected increasing sequence numbers, got %d then %d", first.Seq, second.Seq)
	}
	if first.Type != models.EventEmbeddingStatus {
		t.Errorf("expected default type, got %q", first.Type)
	}

	last, err := j.LastSeq(ctx)
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if last != second.Seq {
		t.Errorf("expected last seq %d, got %d", second.Seq, last)
	}
}

func TestSinceReplaysInOrder(t *testing.T) {
	j := mustNew(t, tempCfg(t))
	ctx := context.Background()

	var seqs []int64
	for _, id := range []string{"a1", "a2", "a3"} {
		ev := sampleEvent(id, models.StatusReady)
		if err := j.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
		seqs = append(seqs, ev.Seq)
	}

	events, err := j.Since(ctx, models.EventQueryOpts{AfterSeq: seqs[0]})
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].AssetID != "a2" || events[1].AssetID != "a3" {
		t.Errorf("unexpected order: %s, %s", events[0].AssetID, events[1].AssetID)
	}
	if !events[0].HasEmbedding || events[0].Status != models.StatusReady {
		t.Errorf("unexpected status %+v", events[0])
	}
}

func TestSinceFilters(t *testing.T) {
	j := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = j.Append(ctx, sampleEvent("a1", models.StatusProcessing))
	_ = j.Append(ctx, sampleEvent("a2", models.StatusProcessing))
	other := sampleEvent("a3", models.StatusReady)
	other.UserID = "u2"
	_ = j.Append(ctx, other)

	events, _ := j.Since(ctx, models.EventQueryOpts{AssetID: "a2"})
	if len(events) != 1 {
		t.Errorf("expected 1 event for a2, got %d", len(events))
	}

	events, _ = j.Since(ctx, models.EventQueryOpts{UserID: "u1"})
	if len(events) != 2 {
		t.Errorf("expected 2 events for u1, got %d", len(events))
	}

	events, _ = j.Since(ctx, models.EventQueryOpts{Limit: 1})
	if len(events) != 1 {
		t.Errorf("expected limit 1, got %d", len(events))
	}
}

func TestPurge(t *testing.T) {
	j := mustNew(t, tempCfg(t))
	ctx := context.Background()

	old := sampleEvent("a1", models.StatusFailed)
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -30)
	_ = j.Append(ctx, old)
	_ = j.Append(ctx, sampleEvent("a2", models.StatusReady))

	n, err := j.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}

	events, _ := j.Since(ctx, models.EventQueryOpts{})
	if len(events) != 1 || events[0].AssetID != "a2" {
		t.Errorf("expected only a2 to remain, got %+v", events)
	}
}

func TestNilJournalIsNoop(t *testing.T) {
	var j *Journal
	if err := j.Append(context.Background(), sampleEvent("a1", models.StatusReady)); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	events, err := j.Since(context.Background(), models.EventQueryOpts{})
	if err != nil || events != nil {
		t.Errorf("expected nil result, got %v, %v", events, err)
	}
}
