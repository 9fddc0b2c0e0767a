package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/peregrine-ai/researchd/internal/errs"
)

// CacheEntry is one fingerprint-keyed cached result.
type CacheEntry struct {
	Fingerprint    string          `json:"fingerprint"`
	Kind           string          `json:"kind"`
	Result         json.RawMessage `json:"result"`
	QueryEmbedding []float32       `json:"-"`
	HitCount       int64           `json:"hit_count"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	LastHitAt      time.Time       `json:"last_hit_at"`
}

// Expired reports whether the entry's TTL has lapsed.
func (e *CacheEntry) Expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }

// GetCacheEntry returns the unexpired entry for an exact fingerprint and
// bumps its hit statistics. Misses return (nil, nil).
func (s *Store) GetCacheEntry(ctx context.Context, fingerprint string) (*CacheEntry, error) {
	now := time.Now().UTC()
	var entry *CacheEntry
	err := s.withRetry(ctx, "get_cache_entry", func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT fingerprint, kind, result, query_embedding, hit_count, created_at, expires_at, last_hit_at
			FROM cache_entries WHERE fingerprint = ? AND expires_at > ?`,
			fingerprint, fmtTime(now))
		e, err := s.scanCacheEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			entry = nil
			return nil
		}
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil || entry == nil {
		return nil, classify(err)
	}

	_ = s.touchCacheEntry(ctx, fingerprint, now)
	return entry, nil
}

// ScanCacheEntries returns unexpired entries of one kind that carry an
// embedding, for semantic lookup. The scan is bounded by limit.
func (s *Store) ScanCacheEntries(ctx context.Context, kind string, limit int) ([]CacheEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	now := time.Now().UTC()
	var out []CacheEntry
	err := s.withRetry(ctx, "scan_cache_entries", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT fingerprint, kind, result, query_embedding, hit_count, created_at, expires_at, last_hit_at
			FROM cache_entries
			WHERE kind = ? AND expires_at > ? AND query_embedding IS NOT NULL
			ORDER BY last_hit_at DESC LIMIT ?`,
			kind, fmtTime(now), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			e, err := s.scanCacheEntry(rows)
			if err != nil {
				return err
			}
			out = append(out, *e)
		}
		return rows.Err()
	})
	return out, classify(err)
}

// PutCacheEntry inserts or overwrites a cache entry.
func (s *Store) PutCacheEntry(ctx context.Context, fingerprint, kind string, result json.RawMessage, embedding []float32, ttl time.Duration) error {
	if len(embedding) > 0 && len(embedding) != s.opts.VectorDim {
		return errs.Newf(errs.KindFatal,
			"embedding dimension mismatch: got %d, want %d", len(embedding), s.opts.VectorDim)
	}
	now := time.Now().UTC()
	err := s.withRetry(ctx, "put_cache_entry", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cache_entries (fingerprint, kind, result, query_embedding, hit_count, created_at, expires_at, last_hit_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				kind = excluded.kind,
				result = excluded.result,
				query_embedding = excluded.query_embedding,
				created_at = excluded.created_at,
				expires_at = excluded.expires_at,
				last_hit_at = excluded.last_hit_at`,
			fingerprint, kind, string(result), EncodeVector(embedding),
			fmtTime(now), fmtTime(now.Add(ttl)), fmtTime(now))
		return err
	})
	return classify(err)
}

// TouchCacheEntry bumps hit statistics for a semantic hit.
func (s *Store) TouchCacheEntry(ctx context.Context, fingerprint string) error {
	return classify(s.touchCacheEntry(ctx, fingerprint, time.Now().UTC()))
}

func (s *Store) touchCacheEntry(ctx context.Context, fingerprint string, now time.Time) error {
	return s.withRetry(ctx, "touch_cache_entry", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE cache_entries SET hit_count = hit_count + 1, last_hit_at = ?
			WHERE fingerprint = ?`,
			fmtTime(now), fingerprint)
		return err
	})
}

// PruneCache removes expired entries, then evicts least-recently-used
// overflow beyond maxEntries. Returns the number of rows removed.
func (s *Store) PruneCache(ctx context.Context, maxEntries int) (int64, error) {
	now := time.Now().UTC()
	var removed int64
	err := s.withRetry(ctx, "prune_cache", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE expires_at <= ?`, fmtTime(now))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = n

		if maxEntries <= 0 {
			return nil
		}
		// LRU overflow: keep the maxEntries most recently hit.
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM cache_entries WHERE fingerprint IN (
				SELECT fingerprint FROM cache_entries
				ORDER BY last_hit_at DESC, hit_count DESC
				LIMIT -1 OFFSET ?
			)`, maxEntries)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	return removed, classify(err)
}

// CountCacheEntries returns the total number of cache rows.
func (s *Store) CountCacheEntries(ctx context.Context) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "count_cache_entries", func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n)
	})
	return n, classify(err)
}

func (s *Store) scanCacheEntry(r rowScanner) (*CacheEntry, error) {
	var (
		entry     CacheEntry
		result    string
		embedding []byte
		createdAt string
		expiresAt string
		lastHitAt string
	)
	if err := r.Scan(&entry.Fingerprint, &entry.Kind, &result, &embedding,
		&entry.HitCount, &createdAt, &expiresAt, &lastHitAt); err != nil {
		return nil, err
	}
	entry.Result = json.RawMessage(result)
	vec, err := DecodeVector(embedding, s.opts.VectorDim)
	if err != nil {
		return nil, err
	}
	entry.QueryEmbedding = vec
	entry.CreatedAt = parseTime(createdAt)
	entry.ExpiresAt = parseTime(expiresAt)
	entry.LastHitAt = parseTime(lastHitAt)
	return &entry, nil
}
