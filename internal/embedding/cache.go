package embedding

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder wraps an Embedder with a count-bounded LRU cache keyed by
// (text, normalize flag). Vectors above the item size cap bypass the cache.
type CachedEmbedder struct {
	inner       Embedder
	cache       *lru.Cache[string, []float64]
	normalize   bool
	maxItemSize int // bytes; 0 means no cap

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheConfig holds configuration for the embedding cache.
type CacheConfig struct {
	MaxEntries    int
	Normalize     bool
	ItemMaxSizeKB int
}

// CacheStats holds embedding cache statistics.
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// NewCachedEmbedder wraps inner with an LRU cache.
func NewCachedEmbedder(inner Embedder, cfg CacheConfig) (*CachedEmbedder, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	cache, err := lru.New[string, []float64](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{
		inner:       inner,
		cache:       cache,
		normalize:   cfg.Normalize,
		maxItemSize: cfg.ItemMaxSizeKB * 1024,
	}, nil
}

// Embed returns a cached vector or generates one via the inner embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	key := c.key(text)
	if vec, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return vec, nil
	}
	c.misses.Add(1)

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.maybeStore(key, vec)
	return vec, nil
}

// EmbedBatch resolves cached entries first and embeds only the misses in a
// single inner call, preserving input order.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if vec, ok := c.cache.Get(c.key(text)); ok {
			c.hits.Add(1)
			out[i] = vec
			continue
		}
		c.misses.Add(1)
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vectors {
		idx := missingIdx[j]
		out[idx] = vec
		c.maybeStore(c.key(missing[j]), vec)
	}
	return out, nil
}

// Dimension returns the inner embedder's dimension.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

// Model returns the inner embedder's model.
func (c *CachedEmbedder) Model() string { return c.inner.Model() }

// Stats returns cache statistics.
func (c *CachedEmbedder) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return CacheStats{
		Hits:    hits,
		Misses:  misses,
		Size:    c.cache.Len(),
		HitRate: rate,
	}
}

func (c *CachedEmbedder) key(text string) string {
	return fmt.Sprintf("%t:%s", c.normalize, text)
}

func (c *CachedEmbedder) maybeStore(key string, vec []float64) {
	if c.maxItemSize > 0 && len(vec)*8 > c.maxItemSize {
		return
	}
	c.cache.Add(key, vec)
}
