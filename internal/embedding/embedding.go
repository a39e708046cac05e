// Package embedding provides text embedding generation with an in-memory
// LRU cache and batch coalescing of concurrent single-text requests.
package embedding

import (
	"context"
	"math"

	"github.com/zakariaf/ragcache/pkg/errors"
)

// Embedder generates embedding vectors for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimension returns the advertised vector dimension.
	Dimension() int

	// Model returns the embedding model identifier.
	Model() string
}

// Norm returns the L2 norm of a vector.
func Norm(vec []float64) float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// Normalize scales a vector to unit length in place. Zero vectors are left
// untouched.
func Normalize(vec []float64) {
	norm := Norm(vec)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] /= norm
	}
}

// Validate checks the embedding invariants: declared dimension, no NaN/Inf,
// and unit norm within 1e-6 when normalized is set.
func Validate(vec []float64, dimension int, normalized bool) error {
	if len(vec) != dimension {
		return errors.EmbeddingFault("embedding dimension mismatch", nil)
	}
	for _, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.EmbeddingFault("embedding contains NaN or Inf", nil)
		}
	}
	if normalized {
		if math.Abs(Norm(vec)-1.0) >= 1e-6 {
			return errors.EmbeddingFault("embedding is not unit-normalized", nil)
		}
	}
	return nil
}
