package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/openai"
	"github.com/kaadipranav/watchllm/utils"
)

func chatRequest() *openai.ChatCompletionRequest {
	return &openai.ChatCompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []openai.Message{
			{Role: "user", Content: &openai.MessageContent{String: utils.ToPtr("hello")}},
		},
	}
}

func TestNewEndpoint_RejectsBadURL(t *testing.T) {
	_, err := NewEndpoint("openai", "not-a-url", "sk-key", zap.NewNop().Sugar())
	assert.Error(t, err)

	_, err = NewEndpoint("openai", "https://api.openai.com/v1", "sk-key", zap.NewNop().Sugar())
	assert.NoError(t, err)
}

func TestEndpoint_Chat(t *testing.T) {
	upstreamBody := `{"id":"chatcmpl-123","choices":[{"index":0,"message":{"role":"assistant"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":34,"total_tokens":46}}`

	var gotAuth string
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var request openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		assert.Equal(t, "gpt-4o-mini", request.Model)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, upstreamBody)
	}))
	defer server.Close()

	endpoint, err := NewEndpoint("openai", server.URL, "sk-default", zap.NewNop().Sugar())
	require.NoError(t, err)

	result, err := endpoint.Chat(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-default", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, upstreamBody, string(result.Payload))
	assert.Equal(t, int32(12), result.Usage.PromptTokens)
	assert.Equal(t, int32(46), result.Usage.TotalTokens)
}

func TestEndpoint_ContextKeyOverridesDefault(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, `{"usage":{}}`)
	}))
	defer server.Close()

	endpoint, err := NewEndpoint("openai", server.URL, "sk-default", zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx := WithAPIKey(context.Background(), "sk-tenant-own")
	_, err = endpoint.Chat(ctx, chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-tenant-own", gotAuth)
}

func TestEndpoint_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer server.Close()

	endpoint, err := NewEndpoint("openai", server.URL, "sk-default", zap.NewNop().Sugar())
	require.NoError(t, err)

	_, err = endpoint.Chat(context.Background(), chatRequest())
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusTooManyRequests, upstreamErr.StatusCode)
	assert.Contains(t, string(upstreamErr.Body), "slow down")
}

func TestEndpoint_ChatStream(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var request openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		require.NotNil(t, request.Stream)
		assert.True(t, *request.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, body)
	}))
	defer server.Close()

	endpoint, err := NewEndpoint("openai", server.URL, "sk-default", zap.NewNop().Sugar())
	require.NoError(t, err)

	request := chatRequest()
	reader, err := endpoint.ChatStream(context.Background(), request)
	require.NoError(t, err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	// The caller's request is left untouched.
	assert.Nil(t, request.Stream)
}

func TestEndpoint_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		io.WriteString(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],"model":"text-embedding-3-small","usage":{"prompt_tokens":3,"total_tokens":3}}`)
	}))
	defer server.Close()

	endpoint, err := NewEndpoint("openai", server.URL, "sk-default", zap.NewNop().Sugar())
	require.NoError(t, err)

	response, err := endpoint.Embed(context.Background(), &openai.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: &openai.EmbeddingInput{String: utils.ToPtr("hello")},
	})
	require.NoError(t, err)
	require.Len(t, response.Data, 1)
	assert.Equal(t, []float32{0.1, 0.2}, response.Data[0].Embedding)
}
