package embed

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/peregrine-ai/researchd/internal/store"
)

// Local is a deterministic feature-hashing embedder. Each token (and each
// token bigram) is hashed into one of Dim buckets with a hash-derived
// sign, and the result is l2-normalised. The same text always produces
// the same vector, which makes cache-similarity behaviour reproducible in
// tests and in deployments without an embedding service.
type Local struct{}

// NewLocal returns the deterministic embedder.
func NewLocal() *Local { return &Local{} }

func (l *Local) Dim() int { return Dim }

func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	return hashEmbed(text), nil
}

func (l *Local) EmbedMany(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t)
	}
	return out, nil
}

func hashEmbed(text string) []float32 {
	vec := make([]float32, Dim)
	tokens := store.Tokenize(text)
	if len(tokens) == 0 {
		return vec
	}

	add := func(feature string) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % Dim)
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	for i, tok := range tokens {
		add(tok)
		if i > 0 {
			add(tokens[i-1] + " " + tok)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}
