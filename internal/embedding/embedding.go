// Package embedding turns text into vectors for dense retrieval, caching and
// consolidation. All three share one embedding space.
package embedding

import (
	"context"
	"math"
)

// Embedder generates vector embeddings for text. Model identifies the
// embedding space; vectors from different models are never compared.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// Normalize scales vec to unit length in place. Zero vectors are left alone.
func Normalize(vec []float64) {
	n := norm(vec)
	if n == 0 {
		return
	}
	for i := range vec {
		vec[i] /= n
	}
}

// CosineSimilarity of two vectors of any magnitude. Mismatched or empty
// inputs, and zero vectors, score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i, x := range a {
		dot += x * b[i]
	}
	d := norm(a) * norm(b)
	if d == 0 {
		return 0
	}
	return dot / d
}

func norm(v []float64) float64 {
	var sq float64
	for _, x := range v {
		sq += x * x
	}
	return math.Sqrt(sq)
}

// ToFloat32 narrows a vector for stores that keep float4 components.
func ToFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
