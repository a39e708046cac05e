// Package vectorstore provides the Qdrant-backed vector storage used by the
// similarity cache, plus the bounded connection pool that owns its clients.
package vectorstore

import (
	"context"
)

// Distance is the similarity metric for a collection.
type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceEuclid Distance = "Euclid"
	DistanceDot    Distance = "Dot"
)

// Payload is the data stored alongside each vector. It holds the complete
// cache entry so the exact tier is a single retrieve-by-id.
type Payload struct {
	Fingerprint      string `json:"fingerprint"`
	Query            string `json:"original_query"`
	Response         string `json:"response"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	CreatedAt        int64  `json:"created_at"`
	LastAccessed     int64  `json:"last_accessed"`
	AccessCount      int64  `json:"access_count"`
	TTLSeconds       int64  `json:"ttl_seconds"`
}

// Entry is a vector with its payload.
type Entry struct {
	ID      string
	Vector  []float64
	Payload Payload
}

// SearchResult is one hit from a similarity search.
type SearchResult struct {
	ID      string
	Score   float64
	Payload Payload
}

// CollectionInfo describes the backing collection.
type CollectionInfo struct {
	VectorCount int64
	Status      string
	Dimension   int
	Distance    string
}

// Store is the interface to a vector storage backend.
type Store interface {
	// EnsureCollection creates the collection if absent.
	EnsureCollection(ctx context.Context, dimension int, distance Distance) error

	// Upsert stores or replaces a vector with its payload.
	Upsert(ctx context.Context, entry Entry) error

	// Retrieve fetches a point by ID. Returns (nil, nil) when absent.
	Retrieve(ctx context.Context, id string) (*Entry, error)

	// Search finds the k most similar vectors at or above scoreThreshold.
	Search(ctx context.Context, vector []float64, k int, scoreThreshold float64) ([]SearchResult, error)

	// SetPayload merges the given fields into a point's payload.
	SetPayload(ctx context.Context, id string, fields map[string]any) error

	// Delete removes points by ID.
	Delete(ctx context.Context, ids ...string) error

	// Scroll pages through stored points without vectors. An empty next
	// offset means the end was reached.
	Scroll(ctx context.Context, limit int, offset string) ([]Entry, string, error)

	// Count returns the number of stored points.
	Count(ctx context.Context) (int64, error)

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error

	// Info returns collection metadata.
	Info(ctx context.Context) (*CollectionInfo, error)

	// Close releases resources.
	Close() error
}
