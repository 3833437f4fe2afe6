package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/memelib/memelib/pkg/models"
)

// ErrNotFound is returned when an asset does not exist.
var ErrNotFound = errors.New("asset not found")

// Store persists assets and their embedding status.
type Store interface {
	// Upsert inserts or replaces an asset.
	Upsert(ctx context.Context, a models.Asset) error
	// Get returns one asset.
	Get(ctx context.Context, id string) (models.Asset, error)
	// Statuses returns the status of every known id. Unknown ids are omitted.
	// A non-empty userID restricts the lookup to that user's assets.
	Statuses(ctx context.Context, userID string, ids []string) (map[string]models.EmbeddingStatus, error)
	// SetStatus records a status change reported by the embedding worker.
	SetStatus(ctx context.Context, id string, u models.StatusUpdate) (models.Asset, error)
	// MarkRetry moves an asset back to processing and bumps its retry count.
	MarkRetry(ctx context.Context, id string) (models.Asset, error)
	// ListByUser returns a user's assets, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Asset, error)
	// Summary counts assets per status, optionally filtered by user.
	Summary(ctx context.Context, userID string) ([]models.StatusSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteStore implements Store with a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	blob_url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	has_embedding INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_user ON assets(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_assets_status ON assets(status);
`

// New creates a SQLiteStore and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

const assetColumns = `id, user_id, blob_url, status, has_embedding, error, retry_count, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(s scanner) (models.Asset, error) {
	var a models.Asset
	var status string
	err := s.Scan(&a.ID, &a.UserID, &a.BlobURL, &status, &a.Status.HasEmbedding,
		&a.Status.Error, &a.Status.RetryCount, &a.CreatedAt, &a.UpdatedAt)
	a.Status.Status = models.StatusValue(status)
	return a, err
}

// Upsert inserts or replaces an asset. A zero status becomes pending.
func (s *SQLiteStore) Upsert(ctx context.Context, a models.Asset) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	if a.Status.Status == "" {
		a.Status.Status = models.StatusPending
	}
	if !a.Status.Status.Valid() {
		return fmt.Errorf("upsert asset: invalid status %q", a.Status.Status)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (`+assetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id, blob_url = excluded.blob_url, status = excluded.status,
			has_embedding = excluded.has_embedding, error = excluded.error,
			retry_count = excluded.retry_count, updated_at = excluded.updated_at`,
		a.ID, a.UserID, a.BlobURL, string(a.Status.Status), a.Status.HasEmbedding,
		a.Status.Error, a.Status.RetryCount, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert asset: %w", err)
	}
	return nil
}

// Get returns one asset or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (models.Asset, error) {
	a, err := scanAsset(s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Asset{}, ErrNotFound
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("get asset: %w", err)
	}
	return a, nil
}

// Statuses returns the status of every known id.
func (s *SQLiteStore) Statuses(ctx context.Context, userID string, ids []string) (map[string]models.EmbeddingStatus, error) {
	out := make(map[string]models.EmbeddingStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `SELECT id, status, has_embedding, error, retry_count FROM assets WHERE id IN (?` +
		strings.Repeat(", ?", len(ids)-1) + `)`
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, status string
		var st models.EmbeddingStatus
		if err := rows.Scan(&id, &status, &st.HasEmbedding, &st.Error, &st.RetryCount); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		st.Status = models.StatusValue(status)
		out[id] = st
	}
	return out, rows.Err()
}

// SetStatus records a status change and returns the updated asset.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, u models.StatusUpdate) (models.Asset, error) {
	if !u.Status.Valid() {
		return models.Asset{}, fmt.Errorf("set status: invalid status %q", u.Status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET status = ?, has_embedding = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(u.Status), u.HasEmbedding, u.Error, time.Now().UTC(), id,
	)
	if err != nil {
		return models.Asset{}, fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Asset{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

// MarkRetry moves an asset back to processing and bumps its retry count.
func (s *SQLiteStore) MarkRetry(ctx context.Context, id string) (models.Asset, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET status = ?, error = '', retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		string(models.StatusProcessing), time.Now().UTC(), id,
	)
	if err != nil {
		return models.Asset{}, fmt.Errorf("mark retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Asset{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

// ListByUser returns a user's assets, newest first. limit <= 0 means no limit.
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE user_id = ? ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// Summary counts assets per status.
func (s *SQLiteStore) Summary(ctx context.Context, userID string) ([]models.StatusSummary, error) {
	query := `SELECT status, COUNT(*) FROM assets`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY status ORDER BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.StatusSummary
	for rows.Next() {
		var sum models.StatusSummary
		var status string
		if err := rows.Scan(&status, &sum.Count); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Status = models.StatusValue(status)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
