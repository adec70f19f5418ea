package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/openai"
)

const defaultTimeout = 5 * time.Minute

// UpstreamError is a non-2xx answer from the upstream, kept verbatim so the
// gateway can relay the upstream's own error envelope.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, string(e.Body))
}

// Endpoint talks to a single OpenAI-compatible upstream.
type Endpoint struct {
	name    string
	baseUrl *url.URL
	apiKey  string
	client  *http.Client
	logger  *zap.SugaredLogger
}

func NewEndpoint(name string, baseUrl string, apiKey string, logger *zap.SugaredLogger) (*Endpoint, error) {
	parsed, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream endpoint: %v", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid upstream endpoint: URL must have a scheme and host")
	}
	return &Endpoint{
		name:    name,
		baseUrl: parsed,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}, nil
}

func (p *Endpoint) Name() string {
	return p.name
}

func (p *Endpoint) Chat(ctx context.Context, request *openai.ChatCompletionRequest) (*Result, error) {
	body, err := p.post(ctx, "chat/completions", request, "")
	if err != nil {
		return nil, err
	}
	return resultFromBody(body)
}

func (p *Endpoint) Completion(ctx context.Context, request *openai.CompletionRequest) (*Result, error) {
	body, err := p.post(ctx, "completions", request, "")
	if err != nil {
		return nil, err
	}
	return resultFromBody(body)
}

func (p *Endpoint) Embed(ctx context.Context, request *openai.EmbeddingRequest) (*openai.EmbeddingResponse, error) {
	body, err := p.post(ctx, "embeddings", request, "")
	if err != nil {
		return nil, err
	}
	var response openai.EmbeddingResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %v", err)
	}
	return &response, nil
}

// ChatStream issues the request with streaming forced on and returns the raw
// SSE body. The caller owns closing it.
func (p *Endpoint) ChatStream(ctx context.Context, request *openai.ChatCompletionRequest) (io.ReadCloser, error) {
	streamRequest := *request
	streamingEnabled := true
	streamRequest.Stream = &streamingEnabled

	httpResponse, err := p.send(ctx, "chat/completions", &streamRequest, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if httpResponse.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResponse.Body)
		httpResponse.Body.Close()
		return nil, &UpstreamError{StatusCode: httpResponse.StatusCode, Body: body}
	}
	return httpResponse.Body, nil
}

func (p *Endpoint) post(ctx context.Context, path string, payload any, accept string) ([]byte, error) {
	httpResponse, err := p.send(ctx, path, payload, accept)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %v", err)
	}
	if httpResponse.StatusCode != http.StatusOK {
		return nil, &UpstreamError{StatusCode: httpResponse.StatusCode, Body: body}
	}
	return body, nil
}

func (p *Endpoint) send(ctx context.Context, path string, payload any, accept string) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	endpointPath, err := url.JoinPath(p.baseUrl.String(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to build endpoint path: %v", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointPath, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+apiKeyFromContext(ctx, p.apiKey))
	if accept != "" {
		httpRequest.Header.Set("Accept", accept)
	}

	p.logger.Infow("forwarding upstream request", "provider", p.name, "path", path)

	httpResponse, err := p.client.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %v", err)
	}
	return httpResponse, nil
}

func resultFromBody(body []byte) (*Result, error) {
	var parsed struct {
		Usage openai.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}
	return &Result{Payload: body, Usage: parsed.Usage}, nil
}
