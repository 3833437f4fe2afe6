// Package events keeps a replayable journal of embedding status events.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/memelib/memelib/pkg/models"
)

// Journal writes and queries status events in a dedicated SQLite database.
type Journal struct {
	db   *sql.DB
	cfg  models.EventsConfig
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the journal database, creates the schema and starts the
// retention loop.
func New(cfg models.EventsConfig) (*Journal, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open events db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate events db: %w", err)
	}

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	j := &Journal{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	j.wg.Add(1)
	go j.retentionLoop()

	return j, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS status_events (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		type          TEXT NOT NULL,
		topic         TEXT NOT NULL DEFAULT '',
		asset_id      TEXT NOT NULL DEFAULT '',
		user_id       TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT '',
		has_embedding INTEGER NOT NULL DEFAULT 0,
		error         TEXT NOT NULL DEFAULT '',
		created_at    DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_asset ON status_events(asset_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_created ON status_events(created_at)`)
	return err
}

// Append stores ev and fills in its sequence number.
func (j *Journal) Append(ctx context.Context, ev *models.StatusEvent) error {
	if j == nil || j.db == nil {
		return nil
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Type == "" {
		ev.Type = models.EventEmbeddingStatus
	}

	res, err := j.db.ExecContext(ctx,
		`INSERT INTO status_events (type, topic, asset_id, user_id, status, has_embedding, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Type, ev.Topic, ev.AssetID, ev.UserID, string(ev.Status), ev.HasEmbedding, ev.Error, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	ev.Seq = seq
	return nil
}

// Since returns events after opts.AfterSeq in sequence order.
func (j *Journal) Since(ctx context.Context, opts models.EventQueryOpts) ([]models.StatusEvent, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	q := `SELECT seq, type, topic, asset_id, user_id, status, has_embedding, error, created_at
		FROM status_events WHERE seq > ?`
	args := []any{opts.AfterSeq}

	if opts.AssetID != "" {
		q += " AND asset_id = ?"
		args = append(args, opts.AssetID)
	}
	if opts.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, opts.UserID)
	}

	q += " ORDER BY seq ASC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.StatusEvent
	for rows.Next() {
		var ev models.StatusEvent
		var status string
		if err := rows.Scan(&ev.Seq, &ev.Type, &ev.Topic, &ev.AssetID, &ev.UserID,
			&status, &ev.HasEmbedding, &ev.Error, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Status = models.StatusValue(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastSeq returns the highest stored sequence number, or 0.
func (j *Journal) LastSeq(ctx context.Context) (int64, error) {
	if j == nil || j.db == nil {
		return 0, nil
	}
	var seq int64
	if err := j.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM status_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last event seq: %w", err)
	}
	return seq, nil
}

// Purge deletes events created before the given time.
func (j *Journal) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM status_events WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return res.RowsAffected()
}

// Cleanup deletes events older than the configured retention period.
func (j *Journal) Cleanup(ctx context.Context) (int64, error) {
	if j.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	return j.Purge(ctx, time.Now().AddDate(0, 0, -j.cfg.RetentionDays))
}

// Close stops the retention goroutine and closes the database.
func (j *Journal) Close() error {
	close(j.done)
	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) retentionLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			_, _ = j.Cleanup(context.Background())
		}
	}
}
