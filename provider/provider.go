// Package provider is the upstream client. The gateway speaks the
// OpenAI-compatible wire format on both sides, so the client forwards
// requests largely untouched and hands back the verbatim response body; the
// caller caches those bytes, not a re-serialization.
package provider

import (
	"context"
	"io"

	"github.com/kaadipranav/watchllm/openai"
)

// Client is the upstream surface the request pipeline depends on. Streaming
// methods return the raw SSE body so the caller can tee it byte-for-byte.
type Client interface {
	Chat(ctx context.Context, request *openai.ChatCompletionRequest) (*Result, error)
	Completion(ctx context.Context, request *openai.CompletionRequest) (*Result, error)
	Embed(ctx context.Context, request *openai.EmbeddingRequest) (*openai.EmbeddingResponse, error)
	ChatStream(ctx context.Context, request *openai.ChatCompletionRequest) (io.ReadCloser, error)
	Name() string
}

// Result carries the verbatim upstream response body plus the token usage
// parsed out of it.
type Result struct {
	Payload []byte
	Usage   openai.Usage
}

type apiKeyContextKey struct{}

// WithAPIKey overrides the client's configured key for one request, which is
// how tenant-supplied keys from the vault reach the upstream call.
func WithAPIKey(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, apiKey)
}

func apiKeyFromContext(ctx context.Context, fallback string) string {
	if key, ok := ctx.Value(apiKeyContextKey{}).(string); ok && key != "" {
		return key
	}
	return fallback
}
