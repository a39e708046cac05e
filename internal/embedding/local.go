package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// LocalEmbedder creates deterministic embeddings from a text hash. The
// vectors carry no semantic meaning; identical texts always map to the same
// unit vector, which is enough to exercise the cache flow without a model.
type LocalEmbedder struct {
	dimension int
}

// NewLocalEmbedder creates a deterministic hash-based embedder.
func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 384
	}
	return &LocalEmbedder{dimension: dimension}
}

// Embed generates a deterministic embedding for the text.
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	hash := sha256.Sum256([]byte(text))

	vec := make([]float64, e.dimension)
	for i := 0; i < e.dimension; i++ {
		start := (i * 4) % (len(hash) - 4)
		val := binary.BigEndian.Uint32(hash[start : start+4])
		vec[i] = float64(val) / float64(math.MaxUint32)
	}

	Normalize(vec)
	return vec, nil
}

// EmbedBatch generates deterministic embeddings for each text.
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the vector dimension.
func (e *LocalEmbedder) Dimension() int { return e.dimension }

// Model returns the embedder identifier.
func (e *LocalEmbedder) Model() string { return "local-hash" }
