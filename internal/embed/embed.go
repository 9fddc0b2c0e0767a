// Package embed produces fixed-dimension text embeddings for semantic
// retrieval and cache similarity. The local embedder is deterministic and
// needs no network; the remote embedder speaks the OpenAI-compatible
// /v1/embeddings API.
package embed

import (
	"context"
	"fmt"

	"github.com/peregrine-ai/researchd/internal/config"
)

// Dim is the fixed embedding dimensionality. The store pins it at first
// open, so every embedder must produce exactly this many components.
const Dim = 384

// Embedder turns text into a Dim-dimensional unit vector.
type Embedder interface {
	// Embed returns the embedding of a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedMany embeds a batch in input order.
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	// Dim returns the embedding dimensionality.
	Dim() int
}

// New builds an embedder from configuration.
func New(cfg config.EmbedConfig) (Embedder, error) {
	switch cfg.Provider {
	case "", "local":
		return NewLocal(), nil
	case "remote", "openai":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("remote embedder requires base_url")
		}
		return NewRemote(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
