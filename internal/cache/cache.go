// Package cache implements the two-tier similarity cache: an exact tier
// keyed by query fingerprint and a semantic tier backed by vector search,
// with an adaptive similarity threshold, frequency-scaled TTLs, and
// LFU/recency eviction. Entries live in the vector store under a single
// collection; the fingerprint doubles as the point ID so the exact tier is
// one retrieve-by-id.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zakariaf/ragcache/internal/embedding"
	"github.com/zakariaf/ragcache/internal/vectorstore"
	"github.com/zakariaf/ragcache/pkg/errors"
)

// Kind identifies which tier produced a hit.
type Kind string

const (
	KindExact    Kind = "exact"
	KindSemantic Kind = "semantic"
	KindNone     Kind = "none"
)

// Entry is a cached response.
type Entry struct {
	Fingerprint      string
	Query            string
	Response         string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
	LastAccessed     time.Time
	AccessCount      int64
	TTL              time.Duration
}

// LookupResult is the outcome of a cache lookup. A miss has Kind == KindNone
// and a nil Entry.
type LookupResult struct {
	Entry *Entry
	Kind  Kind
	Score float64
}

// Hit reports whether the lookup produced a usable entry.
func (r *LookupResult) Hit() bool { return r != nil && r.Entry != nil }

// StoreRequest carries a fresh completion into the cache.
type StoreRequest struct {
	Query            string
	Response         string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Config holds cache behavior settings.
type Config struct {
	MaxSize       int
	EvictionBatch int
	Optimizer     OptimizerConfig
}

// Stats is a cache statistics snapshot.
type Stats struct {
	Counters
	Declined  int64   `json:"declined"`
	Errors    int64   `json:"errors"`
	HitRate   float64 `json:"hit_rate"`
	Threshold float64 `json:"threshold"`
}

// Cache is the two-tier similarity cache. Vector-store clients are borrowed
// from the pool for the duration of each operation.
type Cache struct {
	pool      *vectorstore.Pool
	embedder  embedding.Embedder
	optimizer *Optimizer
	logger    *slog.Logger
	cfg       Config

	lookups  singleflight.Group
	declined atomic.Int64
	faults   atomic.Int64
}

// New creates a similarity cache.
func New(pool *vectorstore.Pool, embedder embedding.Embedder, cfg Config, logger *slog.Logger) (*Cache, error) {
	if pool == nil {
		return nil, fmt.Errorf("vector store pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.EvictionBatch <= 0 {
		cfg.EvictionBatch = 100
	}
	cfg.Optimizer.MaxCacheSize = cfg.MaxSize
	cfg.Optimizer.EvictionBatch = cfg.EvictionBatch

	return &Cache{
		pool:      pool,
		embedder:  embedder,
		optimizer: NewOptimizer(cfg.Optimizer, logger),
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// Optimizer exposes the threshold tuner, mainly for stats surfaces.
func (c *Cache) Optimizer() *Optimizer { return c.optimizer }

// Lookup consults the exact tier first and, when enabled and absent, the
// semantic tier. Concurrent lookups for the same fingerprint are coalesced:
// the first performs the work, the rest share its result. Tier failures are
// recovered locally and reported as misses.
func (c *Cache) Lookup(ctx context.Context, query string, useExact, useSemantic bool) (*LookupResult, error) {
	normalized := Normalize(query)
	fp := Fingerprint(normalized)

	key := fmt.Sprintf("%s:%t:%t", fp, useExact, useSemantic)
	v, err, _ := c.lookups.Do(key, func() (any, error) {
		return c.lookup(ctx, normalized, fp, useExact, useSemantic), nil
	})
	if err != nil {
		return &LookupResult{Kind: KindNone}, nil
	}
	res, _ := v.(*LookupResult)
	return res, nil
}

func (c *Cache) lookup(ctx context.Context, normalized, fp string, useExact, useSemantic bool) *LookupResult {
	if useExact {
		if res := c.lookupExact(ctx, fp); res.Hit() {
			c.optimizer.RecordHit(KindExact, fp)
			return res
		}
	}

	if useSemantic {
		if res := c.lookupSemantic(ctx, normalized, fp); res.Hit() {
			c.optimizer.RecordHit(KindSemantic, fp)
			return res
		}
	}

	c.optimizer.RecordMiss(fp)
	return &LookupResult{Kind: KindNone}
}

// LookupExact consults only the exact tier and updates the hit/miss
// accounting. The pipeline uses it for the parallel-lookup optimization.
func (c *Cache) LookupExact(ctx context.Context, query string) *LookupResult {
	normalized := Normalize(query)
	fp := Fingerprint(normalized)

	res := c.lookupExact(ctx, fp)
	if res.Hit() {
		c.optimizer.RecordHit(KindExact, fp)
	}
	return res
}

// LookupSemantic consults only the semantic tier. It does not record a miss;
// the caller owns combined accounting in the parallel path.
func (c *Cache) LookupSemantic(ctx context.Context, query string) *LookupResult {
	normalized := Normalize(query)
	fp := Fingerprint(normalized)

	res := c.lookupSemantic(ctx, normalized, fp)
	if res.Hit() {
		c.optimizer.RecordHit(KindSemantic, fp)
	}
	return res
}

// RecordMiss records a miss for combined parallel lookups that found
// nothing in either tier.
func (c *Cache) RecordMiss(query string) {
	c.optimizer.RecordMiss(Fingerprint(Normalize(query)))
}

func (c *Cache) lookupExact(ctx context.Context, fp string) *LookupResult {
	var entry *vectorstore.Entry
	err := c.pool.WithConn(ctx, func(store vectorstore.Store) error {
		var err error
		entry, err = store.Retrieve(ctx, PointID(fp))
		return err
	})
	if err != nil {
		c.faults.Add(1)
		c.logger.Warn("exact tier lookup failed", "error", err)
		return &LookupResult{Kind: KindNone}
	}
	if entry == nil {
		return &LookupResult{Kind: KindNone}
	}

	if c.expired(entry.Payload) {
		c.removeExpired(ctx, entry.ID)
		return &LookupResult{Kind: KindNone}
	}

	c.touch(ctx, entry.ID, entry.Payload)
	return &LookupResult{
		Entry: payloadToEntry(entry.Payload),
		Kind:  KindExact,
		Score: 1.0,
	}
}

func (c *Cache) lookupSemantic(ctx context.Context, normalized, fp string) *LookupResult {
	vec, err := c.embedder.Embed(ctx, normalized)
	if err != nil {
		c.faults.Add(1)
		c.logger.Warn("embedding failed, downgrading to miss", "error", err)
		return &LookupResult{Kind: KindNone}
	}

	threshold := c.optimizer.CurrentThreshold()
	var results []vectorstore.SearchResult
	err = c.pool.WithConn(ctx, func(store vectorstore.Store) error {
		var err error
		results, err = store.Search(ctx, vec, 1, threshold)
		return err
	})
	if err != nil {
		c.faults.Add(1)
		c.logger.Warn("semantic tier search failed", "error", err)
		return &LookupResult{Kind: KindNone}
	}
	if len(results) == 0 {
		return &LookupResult{Kind: KindNone}
	}

	hit := results[0]
	if hit.Score < threshold {
		return &LookupResult{Kind: KindNone}
	}
	if c.expired(hit.Payload) {
		c.removeExpired(ctx, hit.ID)
		return &LookupResult{Kind: KindNone}
	}

	c.touch(ctx, hit.ID, hit.Payload)
	return &LookupResult{
		Entry: payloadToEntry(hit.Payload),
		Kind:  KindSemantic,
		Score: hit.Score,
	}
}

// Store writes a completion back to the cache. Admission follows the
// cache-worthy rule; responses below the floor for one-off queries are
// declined. Store faults are logged and swallowed so the surrounding
// request never fails on a cache write.
func (c *Cache) Store(ctx context.Context, req StoreRequest) {
	normalized := Normalize(req.Query)
	fp := Fingerprint(normalized)

	estimated := req.CompletionTokens
	if estimated <= 0 {
		estimated = len(req.Response) / 4
	}
	c.optimizer.Observe(fp)
	if !c.optimizer.ShouldCache(fp, estimated) {
		c.declined.Add(1)
		c.logger.Debug("declined to cache response",
			"fingerprint", fp, "estimated_tokens", estimated)
		return
	}

	c.maybeEvict(ctx)

	vec, err := c.embedder.Embed(ctx, normalized)
	if err != nil {
		// The entry is still worth keeping for the exact tier; a zero
		// vector can never clear the similarity threshold.
		c.faults.Add(1)
		c.logger.Warn("embedding failed during store, exact tier only", "error", err)
		vec = make([]float64, c.embedder.Dimension())
	}

	now := time.Now()
	ttl := c.optimizer.TTLFor(fp)
	entry := vectorstore.Entry{
		ID:     PointID(fp),
		Vector: vec,
		Payload: vectorstore.Payload{
			Fingerprint:      fp,
			Query:            req.Query,
			Response:         req.Response,
			Provider:         req.Provider,
			Model:            req.Model,
			PromptTokens:     req.PromptTokens,
			CompletionTokens: req.CompletionTokens,
			CreatedAt:        now.Unix(),
			LastAccessed:     now.Unix(),
			AccessCount:      1,
			TTLSeconds:       int64(ttl.Seconds()),
		},
	}

	err = c.pool.WithConn(ctx, func(store vectorstore.Store) error {
		return store.Upsert(ctx, entry)
	})
	if err != nil {
		c.faults.Add(1)
		c.logger.Warn("cache store failed", "fingerprint", fp, "error", err)
		return
	}
	c.optimizer.RecordStore()
}

// Invalidate removes the entry for a fingerprint.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	err := c.pool.WithConn(ctx, func(store vectorstore.Store) error {
		return store.Delete(ctx, PointID(fingerprint))
	})
	if err != nil {
		return errors.CacheFault("invalidate entry", err)
	}
	return nil
}

// Clear removes every cached entry.
func (c *Cache) Clear(ctx context.Context) error {
	err := c.pool.WithConn(ctx, func(store vectorstore.Store) error {
		// Each deleted page shifts the scroll cursor, so always restart
		// from the beginning until nothing is left.
		for {
			entries, _, err := store.Scroll(ctx, 256, "")
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}
			ids := make([]string, len(entries))
			for i, e := range entries {
				ids[i] = e.ID
			}
			if err := store.Delete(ctx, ids...); err != nil {
				return err
			}
		}
	})
	if err != nil {
		return errors.CacheFault("clear cache", err)
	}
	return nil
}

// Stats returns a cache statistics snapshot.
func (c *Cache) Stats() Stats {
	counters := c.optimizer.Counters()
	return Stats{
		Counters:  counters,
		Declined:  c.declined.Load(),
		Errors:    c.faults.Load(),
		HitRate:   counters.HitRate(),
		Threshold: c.optimizer.CurrentThreshold(),
	}
}

// maybeEvict removes the lowest-scored batch when the population reached
// max size. Failures are logged; eviction must never fail a store.
func (c *Cache) maybeEvict(ctx context.Context) {
	var count int64
	err := c.pool.WithConn(ctx, func(store vectorstore.Store) error {
		var err error
		count, err = store.Count(ctx)
		return err
	})
	if err != nil {
		c.faults.Add(1)
		c.logger.Warn("eviction count failed", "error", err)
		return
	}
	if count < int64(c.cfg.MaxSize) {
		return
	}

	candidates, err := c.collectCandidates(ctx)
	if err != nil {
		c.faults.Add(1)
		c.logger.Warn("eviction scan failed", "error", err)
		return
	}

	victims := c.optimizer.EvictionCandidates(candidates, c.cfg.EvictionBatch)
	if len(victims) == 0 {
		return
	}

	err = c.pool.WithConn(ctx, func(store vectorstore.Store) error {
		return store.Delete(ctx, victims...)
	})
	if err != nil {
		c.faults.Add(1)
		c.logger.Warn("eviction delete failed", "error", err)
		return
	}
	c.optimizer.RecordEviction(len(victims))
	c.logger.Info("evicted cache entries", "count", len(victims))
}

func (c *Cache) collectCandidates(ctx context.Context) ([]EvictionCandidate, error) {
	var candidates []EvictionCandidate
	err := c.pool.WithConn(ctx, func(store vectorstore.Store) error {
		offset := ""
		for {
			entries, next, err := store.Scroll(ctx, 256, offset)
			if err != nil {
				return err
			}
			for _, e := range entries {
				candidates = append(candidates, EvictionCandidate{
					ID:           e.ID,
					LastAccessed: time.Unix(e.Payload.LastAccessed, 0),
					AccessCount:  e.Payload.AccessCount,
					CreatedAt:    time.Unix(e.Payload.CreatedAt, 0),
				})
			}
			if next == "" || len(entries) == 0 {
				return nil
			}
			offset = next
		}
	})
	return candidates, err
}

// expired reports whether an entry's TTL has lapsed. Expired entries are
// treated as misses on read and removed lazily.
func (c *Cache) expired(p vectorstore.Payload) bool {
	if p.TTLSeconds <= 0 {
		return false
	}
	return time.Now().After(time.Unix(p.CreatedAt+p.TTLSeconds, 0))
}

func (c *Cache) removeExpired(ctx context.Context, id string) {
	err := c.pool.WithConn(ctx, func(store vectorstore.Store) error {
		return store.Delete(ctx, id)
	})
	if err != nil {
		c.logger.Warn("lazy expiry delete failed", "id", id, "error", err)
	}
}

// touch bumps access accounting on a hit. Best effort: a failed touch never
// fails the lookup.
func (c *Cache) touch(ctx context.Context, id string, p vectorstore.Payload) {
	err := c.pool.WithConn(ctx, func(store vectorstore.Store) error {
		return store.SetPayload(ctx, id, map[string]any{
			"last_accessed": time.Now().Unix(),
			"access_count":  p.AccessCount + 1,
		})
	})
	if err != nil {
		c.logger.Debug("touch failed", "id", id, "error", err)
	}
}

func payloadToEntry(p vectorstore.Payload) *Entry {
	return &Entry{
		Fingerprint:      p.Fingerprint,
		Query:            p.Query,
		Response:         p.Response,
		Provider:         p.Provider,
		Model:            p.Model,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		CreatedAt:        time.Unix(p.CreatedAt, 0),
		LastAccessed:     time.Unix(p.LastAccessed, 0),
		AccessCount:      p.AccessCount,
		TTL:              time.Duration(p.TTLSeconds) * time.Second,
	}
}
