package mnemo

import (
	"context"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces auto-detected
// Ollama/OpenAI/noop. Uses []float32 (not pgvector.Vector) to avoid forcing
// the pgvector dependency on external consumers; New() wraps it in an
// adapter for internal use. Vectors are re-normalized to unit length before
// storage regardless of what the provider returns.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// ResponseGenerator streams a chat completion for the conversational
// surface. When provided via WithResponseGenerator, replaces the
// auto-detected OpenAI/Ollama/noop generator. onChunk receives each text
// delta in order; Stream returns the accumulated full reply.
type ResponseGenerator interface {
	Stream(ctx context.Context, system, user string, onChunk func(chunk string) error) (string, error)
}

// ExtractorClient is a JSON-mode chat completion used by the deep
// extraction phase. When provided via WithExtractorClient, replaces the
// auto-detected client. The returned string must be a single JSON object
// matching the Memory Proposal schema; mnemo sanitizes it before storage.
type ExtractorClient interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}
