package embedding

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// PublicProvider mirrors the root package's EmbeddingProvider interface
// ([]float32 in, no pgvector dependency for external consumers).
type PublicProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// publicProviderAdapter wraps an externally supplied provider in the
// internal Provider interface, normalizing its output.
type publicProviderAdapter struct {
	p PublicProvider
}

// NewPublicProviderAdapter adapts an external embedding provider for
// internal use.
func NewPublicProviderAdapter(p PublicProvider) Provider {
	return &publicProviderAdapter{p: p}
}

func (a *publicProviderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(normalize(v)), nil
}

func (a *publicProviderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(normalize(v))
	}
	return out, nil
}

func (a *publicProviderAdapter) Dimensions() int {
	return a.p.Dimensions()
}
