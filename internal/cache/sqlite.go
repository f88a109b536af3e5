package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteCache is a file-backed ephemeral store for single-node deployments
// where running Redis is not worth the operational cost. Expiry is checked on
// read; a background sweep is unnecessary at this tier's write rates, but
// Purge is exposed for callers that want one.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) a SQLite-backed cache at path.
func NewSQLite(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, eris.Wrap(err, "cache: open sqlite")
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			expires_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_expiry ON cache_entries(expires_at);
	`)
	if err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "cache: migrate sqlite")
	}
	return &SQLiteCache{db: db}, nil
}

func (c *SQLiteCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, time.Now().UTC().Add(ttl),
	)
	return eris.Wrapf(err, "cache: sqlite put %s", key)
}

func (c *SQLiteCache) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt time.Time
	err := c.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, eris.Wrapf(err, "cache: sqlite get %s", key)
	}
	if time.Now().UTC().After(expiresAt) {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, ErrMiss
	}
	return value, nil
}

func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return eris.Wrapf(err, "cache: sqlite delete %s", key)
}

// Purge removes all expired entries.
func (c *SQLiteCache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "cache: sqlite purge")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
