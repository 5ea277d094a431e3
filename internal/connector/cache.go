package connector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"revaudit/internal/logger"
	"revaudit/internal/recon"
)

// BatchCache keeps fetched raw batches on disk so retried or re-triggered
// runs do not hammer the export APIs. Entries expire by TTL; a replaced
// fetch for the same (client, source, window) overwrites in place.
type BatchCache struct {
	db  *sql.DB
	ttl time.Duration
}

// NewBatchCache opens (and if needed creates) the cache database at path.
func NewBatchCache(path string, ttl time.Duration) (*BatchCache, error) {
	if path == "" {
		return nil, fmt.Errorf("cache path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureCacheSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &BatchCache{db: db, ttl: ttl}, nil
}

func (c *BatchCache) Close() error { return c.db.Close() }

func ensureCacheSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS batches (
		client_id    TEXT NOT NULL,
		source       TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		window_end   INTEGER NOT NULL,
		payload      BLOB NOT NULL,
		fetched_at   INTEGER NOT NULL,
		PRIMARY KEY (client_id, source, window_start, window_end)
	);`)
	return err
}

func (c *BatchCache) get(ctx context.Context, clientID string, src recon.Source, w recon.Window, out any) (bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT payload, fetched_at FROM batches
		WHERE client_id=? AND source=? AND window_start=? AND window_end=?`,
		clientID, string(src), w.Start.Unix(), w.End.Unix())
	var payload []byte
	var fetchedAt int64
	if err := row.Scan(&payload, &fetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if time.Since(time.Unix(fetchedAt, 0)) > c.ttl {
		return false, nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		// A corrupt entry is treated as a miss; the next put overwrites it.
		logger.Warnf("batch cache entry unreadable for %s/%s, refetching: %v", clientID, src, err)
		return false, nil
	}
	return true, nil
}

func (c *BatchCache) put(ctx context.Context, clientID string, src recon.Source, w recon.Window, batch any) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO batches (client_id, source, window_start, window_end, payload, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, source, window_start, window_end) DO UPDATE SET
		    payload=excluded.payload,
		    fetched_at=excluded.fetched_at`,
		clientID, string(src), w.Start.Unix(), w.End.Unix(), payload, time.Now().Unix())
	return err
}

// Purge drops entries older than the TTL.
func (c *BatchCache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM batches WHERE fetched_at < ?`,
		time.Now().Add(-c.ttl).Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CachingSource wraps both source interfaces with the batch cache.
type CachingSource struct {
	backend   BackendSource
	analytics AnalyticsSource
	cache     *BatchCache
}

func NewCachingSource(backend BackendSource, analytics AnalyticsSource, cache *BatchCache) *CachingSource {
	return &CachingSource{backend: backend, analytics: analytics, cache: cache}
}

func (s *CachingSource) FetchOrders(ctx context.Context, clientID string, w recon.Window) ([]recon.RawOrder, error) {
	var cached []recon.RawOrder
	if hit, err := s.cache.get(ctx, clientID, recon.SourceBackend, w, &cached); err != nil {
		return nil, err
	} else if hit {
		return cached, nil
	}
	batch, err := s.backend.FetchOrders(ctx, clientID, w)
	if err != nil {
		return nil, err
	}
	if err := s.cache.put(ctx, clientID, recon.SourceBackend, w, batch); err != nil {
		logger.Warnf("caching backend batch for %s failed: %v", clientID, err)
	}
	return batch, nil
}

func (s *CachingSource) FetchEvents(ctx context.Context, clientID string, w recon.Window) ([]recon.RawEvent, error) {
	var cached []recon.RawEvent
	if hit, err := s.cache.get(ctx, clientID, recon.SourceAnalytics, w, &cached); err != nil {
		return nil, err
	} else if hit {
		return cached, nil
	}
	batch, err := s.analytics.FetchEvents(ctx, clientID, w)
	if err != nil {
		return nil, err
	}
	if err := s.cache.put(ctx, clientID, recon.SourceAnalytics, w, batch); err != nil {
		logger.Warnf("caching analytics batch for %s failed: %v", clientID, err)
	}
	return batch, nil
}
