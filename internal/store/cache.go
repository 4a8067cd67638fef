package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"BotProxy/internal/cache"
)

func (s *Store) GetCacheEntry(ctx context.Context, key string) (*cache.Entry, error) {
	var row struct {
		Key       string `db:"cache_key"`
		Payload   string `db:"payload"`
		ExpiresTs int64  `db:"expires_ts"`
	}
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT cache_key, payload, expires_ts FROM search_cache WHERE cache_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return &cache.Entry{
		Key:       row.Key,
		Payload:   []byte(row.Payload),
		ExpiresAt: time.UnixMilli(row.ExpiresTs),
	}, nil
}

func (s *Store) PutCacheEntry(ctx context.Context, e cache.Entry) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO search_cache (cache_key, payload, expires_ts) VALUES (?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET payload = excluded.payload, expires_ts = excluded.expires_ts`),
		e.Key, string(e.Payload), e.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// PurgeExpiredCache deletes entries that can no longer be served.
func (s *Store) PurgeExpiredCache(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM search_cache WHERE expires_ts <= ?`), s.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	return res.RowsAffected()
}
