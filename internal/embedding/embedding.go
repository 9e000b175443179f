// Package embedding turns text into vectors for record storage and knowledge retrieval.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Embedder produces a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HashEmbedder derives a deterministic unit vector from the SHA-256 of the text. It needs no
// network and keeps the daemon usable offline; similar texts do not get similar vectors.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if text == "" {
		text = "empty"
	}

	hash := sha256.Sum256([]byte(text))
	vec := make([]float64, h.dim)
	for i := range vec {
		chunk := binary.LittleEndian.Uint16(hash[i%16:])
		vec[i] = float64(chunk%1000) / 1000.0
	}

	return normalize(vec), nil
}

func normalize(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}

	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}

	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

var _ Embedder = (*HashEmbedder)(nil)
