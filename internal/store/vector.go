package store

import (
	"math"
	"slices"

	"github.com/erg0nix/konverse/internal/record"
)

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when the lengths differ
// or either vector is zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

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

type scored struct {
	rec   record.Record
	score float64
}

// rank filters candidates by kind and score and returns the best TopK, highest score first.
func rank(candidates []record.Record, vector []float64, opts SearchOptions) []record.Record {
	if len(vector) == 0 {
		return nil
	}

	matches := make([]scored, 0, len(candidates))
	for _, rec := range candidates {
		if len(opts.Kinds) > 0 && !slices.Contains(opts.Kinds, rec.Kind()) {
			continue
		}

		score := CosineSimilarity(vector, rec.Embedding)
		if score < opts.MinScore || len(rec.Embedding) == 0 {
			continue
		}
		matches = append(matches, scored{rec: rec, score: score})
	}

	slices.SortStableFunc(matches, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return 0
		}
	})

	if opts.TopK > 0 && len(matches) > opts.TopK {
		matches = matches[:opts.TopK]
	}

	out := make([]record.Record, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.rec)
	}
	return out
}
