package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"voxscribe/failure"
	"voxscribe/translation"
)

// Cache is a translation.Cache kept in the translation_cache table. Entries
// expire after ttl.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

var _ translation.Cache = (*Cache)(nil)

func NewCache(db *sql.DB, ttl time.Duration) *Cache {
	return &Cache{db: db, ttl: ttl, now: time.Now}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.QueryRowContext(ctx,
		"select value from translation_cache where key = $1 and expires_at > $2",
		key, c.now().UTC(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, failure.Persistence("translation cache get", err)
	}
	return value, true, nil
}

func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	ts := c.now().UTC()
	_, err := c.db.ExecContext(ctx, `
		insert into translation_cache (key, value, created_at, expires_at) values ($1, $2, $3, $4)
		on conflict (key) do update set value = excluded.value, created_at = excluded.created_at, expires_at = excluded.expires_at
	`, key, value, ts, ts.Add(c.ttl))
	if err != nil {
		return failure.Persistence("translation cache put", err)
	}
	return nil
}

// PurgeExpired deletes expired entries and returns how many went.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, "delete from translation_cache where expires_at <= $1", c.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purging translation cache: %w", err)
	}
	return res.RowsAffected()
}
