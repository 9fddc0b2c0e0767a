// Package cache provides the fingerprint result cache with semantic
// fallback. Exact lookups key on the request fingerprint; semantic
// lookups compare query embeddings within the same job kind against a
// similarity threshold. Concurrent fills for the same fingerprint are
// collapsed with single-flight.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/peregrine-ai/researchd/internal/store"
)

// Options tunes cache behaviour.
type Options struct {
	// TTL applied to new entries (default 1h).
	TTL time.Duration
	// MaxEntries bounds the cache; overflow evicts LRU (default 1000).
	MaxEntries int
	// SimilarityThreshold gates semantic hits (default 0.85).
	SimilarityThreshold float64
	// ScanLimit bounds the semantic candidate scan (default 1000).
	ScanLimit int
}

func (o *Options) fill() {
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 1000
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = 0.85
	}
	if o.ScanLimit <= 0 {
		o.ScanLimit = 1000
	}
}

// Hit describes a cache hit for event reporting.
type Hit struct {
	Fingerprint string          `json:"fingerprint"`
	Semantic    bool            `json:"semantic"`
	Similarity  float64         `json:"similarity,omitempty"`
	Result      json.RawMessage `json:"-"`
}

// Cache is the fingerprint result cache over the durable store.
type Cache struct {
	store   *store.Store
	opts    Options
	logger  *zap.Logger
	group   singleflight.Group
	pruneRL *rate.Limiter
}

// New creates a cache over the store.
func New(st *store.Store, opts Options, logger *zap.Logger) *Cache {
	opts.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:  st,
		opts:   opts,
		logger: logger.Named("cache"),
		// Opportunistic prunes piggyback on writes; at most one per 30s.
		pruneRL: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// Lookup checks for an exact fingerprint hit, then falls back to a
// semantic scan within the same kind. A miss returns (nil, nil).
func (c *Cache) Lookup(ctx context.Context, fingerprint, kind string, queryEmbedding []float32) (*Hit, error) {
	entry, err := c.store.GetCacheEntry(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return &Hit{Fingerprint: entry.Fingerprint, Result: entry.Result}, nil
	}

	if len(queryEmbedding) == 0 {
		return nil, nil
	}

	candidates, err := c.store.ScanCacheEntries(ctx, kind, c.opts.ScanLimit)
	if err != nil {
		return nil, err
	}

	var (
		best    *store.CacheEntry
		bestSim float64
	)
	for i := range candidates {
		sim := store.Cosine(queryEmbedding, candidates[i].QueryEmbedding)
		if sim >= c.opts.SimilarityThreshold && sim > bestSim {
			best = &candidates[i]
			bestSim = sim
		}
	}
	if best == nil {
		return nil, nil
	}

	if err := c.store.TouchCacheEntry(ctx, best.Fingerprint); err != nil {
		c.logger.Warn("touch cache entry", zap.String("fingerprint", best.Fingerprint), zap.Error(err))
	}
	return &Hit{
		Fingerprint: best.Fingerprint,
		Semantic:    true,
		Similarity:  bestSim,
		Result:      best.Result,
	}, nil
}

// Fill stores a computed result under its fingerprint and opportunistically
// prunes. Cache failures never fail the caller's job; they are logged.
func (c *Cache) Fill(ctx context.Context, fingerprint, kind string, result json.RawMessage, queryEmbedding []float32) {
	if err := c.store.PutCacheEntry(ctx, fingerprint, kind, result, queryEmbedding, c.opts.TTL); err != nil {
		c.logger.Warn("cache fill failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		return
	}
	if c.pruneRL.Allow() {
		if _, err := c.store.PruneCache(ctx, c.opts.MaxEntries); err != nil {
			c.logger.Warn("cache prune failed", zap.Error(err))
		}
	}
}

// Do runs compute for a fingerprint, collapsing concurrent callers onto
// one in-flight computation. The second return reports whether this
// caller shared another caller's result.
func (c *Cache) Do(ctx context.Context, fingerprint string, compute func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	v, err, shared := c.group.Do(fingerprint, func() (any, error) {
		return compute(ctx)
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(json.RawMessage), shared, nil
}

// Prune removes expired and overflow entries. Used by the background
// sweeper; returns rows removed.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	return c.store.PruneCache(ctx, c.opts.MaxEntries)
}
