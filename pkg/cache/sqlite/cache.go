// Package sqlite is a persistent cache.Backend tier backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/memelib/memelib/pkg/cache"
	"github.com/memelib/memelib/pkg/clock"
	"github.com/memelib/memelib/pkg/models"
)

// compressThreshold is the value size above which values are stored zstd-compressed.
const compressThreshold = 1024

// Backend stores cache entries in a SQLite table. It is unbounded; expired
// rows are skipped on read and removed by Clear(ctx, true).
type Backend struct {
	db      *sql.DB
	clock   clock.Clock
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ cache.Backend = (*Backend)(nil)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	value BLOB NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// New opens (or creates) the cache database at dbPath.
func New(dbPath string, c clock.Clock) (*Backend, error) {
	if c == nil {
		c = clock.Real()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Backend{db: db, clock: c, encoder: enc, decoder: dec}, nil
}

// Get retrieves a live entry.
func (b *Backend) Get(ctx context.Context, key string) (cache.Item, bool, error) {
	var value []byte
	var compressed bool
	var expiresAt int64

	err := b.db.QueryRowContext(ctx,
		`SELECT value, compressed, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &compressed, &expiresAt)
	if err == sql.ErrNoRows {
		return cache.Item{}, false, nil
	}
	if err != nil {
		return cache.Item{}, false, fmt.Errorf("cache get: %w", err)
	}

	exp := time.UnixMilli(expiresAt)
	if !b.clock.Now().Before(exp) {
		return cache.Item{}, false, nil
	}

	if compressed {
		value, err = b.decoder.DecodeAll(value, nil)
		if err != nil {
			return cache.Item{}, false, fmt.Errorf("cache decompress: %w", err)
		}
	}
	return cache.Item{Value: value, ExpiresAt: exp}, true, nil
}

// Set stores a value for ttl.
func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ns, ok := cache.NamespaceOf(key)
	if !ok {
		return fmt.Errorf("%w: %q", cache.ErrUnknownNamespace, key)
	}
	if ttl <= 0 {
		ttl = cache.DefaultPolicies()[ns].TTL
	}

	compressed := false
	if len(value) > compressThreshold {
		if c := b.encoder.EncodeAll(value, nil); len(c) < len(value) {
			value = c
			compressed = true
		}
	}

	now := b.clock.Now()
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, namespace, value, compressed, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key, string(ns), value, compressed, now.UTC(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Keys lists live keys starting with prefix.
func (b *Backend) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM cache_entries WHERE key LIKE ? ESCAPE '\' AND expires_at > ? ORDER BY created_at`,
		escapeLike(prefix)+"%", b.clock.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Clear removes every entry.
func (b *Backend) Clear(ctx context.Context) error {
	return b.Purge(ctx, false)
}

// Purge removes cache entries. If expiredOnly is true, only expired entries are removed.
func (b *Backend) Purge(ctx context.Context, expiredOnly bool) error {
	var err error
	if expiredOnly {
		_, err = b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, b.clock.Now().UnixMilli())
	} else {
		_, err = b.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	}
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Stats returns the number of rows per namespace, expired rows included.
func (b *Backend) Stats(ctx context.Context) ([]models.NamespaceStats, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT namespace, COUNT(*) FROM cache_entries GROUP BY namespace ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	defer rows.Close()

	var out []models.NamespaceStats
	for rows.Next() {
		var s models.NamespaceStats
		if err := rows.Scan(&s.Namespace, &s.Entries); err != nil {
			return nil, fmt.Errorf("scan cache stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (b *Backend) Close() error {
	b.decoder.Close()
	return b.db.Close()
}
