package vectorstore

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
)

// MemStore is a thread-safe in-memory Store with brute-force cosine search.
// It backs tests and local development without a running Qdrant.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string // insertion order, for stable scrolling
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]Entry)}
}

// EnsureCollection is a no-op for the in-memory store.
func (s *MemStore) EnsureCollection(context.Context, int, Distance) error { return nil }

// Upsert stores or replaces an entry.
func (s *MemStore) Upsert(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; !exists {
		s.order = append(s.order, entry.ID)
	}
	vec := make([]float64, len(entry.Vector))
	copy(vec, entry.Vector)
	entry.Vector = vec
	s.entries[entry.ID] = entry
	return nil
}

// Retrieve fetches an entry by ID.
func (s *MemStore) Retrieve(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	out := entry
	return &out, nil
}

// Search performs brute-force cosine similarity search.
func (s *MemStore) Search(_ context.Context, vector []float64, k int, scoreThreshold float64) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		k = 1
	}

	var results []SearchResult
	for _, entry := range s.entries {
		if len(entry.Vector) != len(vector) {
			continue
		}
		score := cosineSimilarity(vector, entry.Vector)
		if scoreThreshold > 0 && score < scoreThreshold {
			continue
		}
		results = append(results, SearchResult{
			ID:      entry.ID,
			Score:   score,
			Payload: entry.Payload,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// SetPayload merges recognized fields into an entry's payload.
func (s *MemStore) SetPayload(_ context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil
	}
	for k, v := range fields {
		switch k {
		case "last_accessed":
			entry.Payload.LastAccessed = toInt64(v)
		case "access_count":
			entry.Payload.AccessCount = toInt64(v)
		}
	}
	s.entries[id] = entry
	return nil
}

// Delete removes entries by ID.
func (s *MemStore) Delete(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.entries[id]; !ok {
			continue
		}
		delete(s.entries, id)
		for i, oid := range s.order {
			if oid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Scroll pages through entries in insertion order. The offset is a decimal
// index into that order.
func (s *MemStore) Scroll(_ context.Context, limit int, offset string) ([]Entry, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	start := 0
	if offset != "" {
		start, _ = strconv.Atoi(offset)
	}
	if start >= len(s.order) {
		return nil, "", nil
	}

	end := start + limit
	if end > len(s.order) {
		end = len(s.order)
	}

	out := make([]Entry, 0, end-start)
	for _, id := range s.order[start:end] {
		entry := s.entries[id]
		entry.Vector = nil
		out = append(out, entry)
	}

	next := ""
	if end < len(s.order) {
		next = strconv.Itoa(end)
	}
	return out, next, nil
}

// Count returns the number of stored entries.
func (s *MemStore) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

// Ping always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Info returns collection metadata.
func (s *MemStore) Info(context.Context) (*CollectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &CollectionInfo{
		VectorCount: int64(len(s.entries)),
		Status:      "green",
	}, nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
