package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/kaadipranav/watchllm/analytics"
	"github.com/kaadipranav/watchllm/cache"
	"github.com/kaadipranav/watchllm/fingerprint"
	"github.com/kaadipranav/watchllm/openai"
	"github.com/kaadipranav/watchllm/provider"
	"github.com/kaadipranav/watchllm/rate"
	"github.com/kaadipranav/watchllm/semantic"
	"github.com/kaadipranav/watchllm/stream"
	"github.com/kaadipranav/watchllm/tenancy"
	"github.com/kaadipranav/watchllm/usage"
	"github.com/kaadipranav/watchllm/utils"
)

// X-Cache values, one per way a response can be produced.
const (
	cacheMiss         = "MISS"
	cacheHit          = "HIT"
	cacheHitSemantic  = "HIT-SEMANTIC"
	cacheHitCoalesced = "HIT-COALESCED"
	cacheHitStream    = "HIT-STREAM"
)

// maxLeaderRetries bounds how many times a follower whose leader died without
// publishing re-enters the acquisition race before calling upstream directly.
const maxLeaderRetries = 3

var allowedRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"function":  true,
	"tool":      true,
}

// upstreamCall abstracts the one provider method a pipeline run dispatches to,
// so chat and legacy completions share the cache and coalescing tail.
type upstreamCall func(ctx context.Context) (*provider.Result, error)

// pipelineRequest is everything serveWithCaches needs that differs between the
// chat and completion endpoints.
type pipelineRequest struct {
	endpoint       string
	model          string
	kind           fingerprint.Kind
	fp             string
	embeddingInput string
	contextHash    string
	call           upstreamCall
}

func (s *Gateway) HandleChatCompletions(writer http.ResponseWriter, request *http.Request) {
	timer := startTimer()
	requestID := openai.NewRequestId()
	writer.Header().Set("X-Request-Id", requestID)
	writer.Header().Set("X-Provider", s.upstream.Name())

	auth, ok := tenancy.AuthFromContext(request.Context())
	if !ok {
		writeError(writer, http.StatusUnauthorized, openai.ErrorTypeAuthentication, "missing_auth", "missing credentials")
		return
	}

	var chatRequest openai.ChatCompletionRequest
	if err := json.NewDecoder(request.Body).Decode(&chatRequest); err != nil {
		handleError(writer, request, s.logger, requestID, BadRequestError{fmt.Errorf("malformed request body: %v", err)})
		return
	}
	if err := validateChatRequest(&chatRequest); err != nil {
		handleError(writer, request, s.logger, requestID, BadRequestError{err})
		return
	}

	if !s.admit(writer, request, requestID, auth) {
		return
	}

	if chatRequest.Stream != nil && *chatRequest.Stream {
		s.serveChatStream(writer, request, timer, requestID, auth, &chatRequest)
		return
	}

	s.serveWithCaches(writer, request, timer, requestID, auth, &pipelineRequest{
		endpoint:       request.URL.Path,
		model:          chatRequest.Model,
		kind:           fingerprint.KindChat,
		fp:             fingerprint.Chat(auth.Tenant.ID, &chatRequest),
		embeddingInput: fingerprint.ChatEmbeddingInput(&chatRequest),
		contextHash:    fingerprint.ChatContextHash(&chatRequest),
		call: func(ctx context.Context) (*provider.Result, error) {
			return s.upstream.Chat(ctx, &chatRequest)
		},
	})
}

func (s *Gateway) HandleCompletions(writer http.ResponseWriter, request *http.Request) {
	timer := startTimer()
	requestID := openai.NewRequestId()
	writer.Header().Set("X-Request-Id", requestID)
	writer.Header().Set("X-Provider", s.upstream.Name())

	auth, ok := tenancy.AuthFromContext(request.Context())
	if !ok {
		writeError(writer, http.StatusUnauthorized, openai.ErrorTypeAuthentication, "missing_auth", "missing credentials")
		return
	}

	var completionRequest openai.CompletionRequest
	if err := json.NewDecoder(request.Body).Decode(&completionRequest); err != nil {
		handleError(writer, request, s.logger, requestID, BadRequestError{fmt.Errorf("malformed request body: %v", err)})
		return
	}
	if err := validateCompletionRequest(&completionRequest); err != nil {
		handleError(writer, request, s.logger, requestID, BadRequestError{err})
		return
	}

	if !s.admit(writer, request, requestID, auth) {
		return
	}

	s.serveWithCaches(writer, request, timer, requestID, auth, &pipelineRequest{
		endpoint:       request.URL.Path,
		model:          completionRequest.Model,
		kind:           fingerprint.KindCompletion,
		fp:             fingerprint.Completion(auth.Tenant.ID, &completionRequest),
		embeddingInput: fingerprint.CompletionEmbeddingInput(&completionRequest),
		contextHash:    fingerprint.CompletionContextHash(&completionRequest),
		call: func(ctx context.Context) (*provider.Result, error) {
			return s.upstream.Completion(ctx, &completionRequest)
		},
	})
}

// HandleEmbeddings forwards to the upstream without caching: embedding calls
// are cheap relative to completions and their results feed the caches anyway.
func (s *Gateway) HandleEmbeddings(writer http.ResponseWriter, request *http.Request) {
	timer := startTimer()
	requestID := openai.NewRequestId()
	writer.Header().Set("X-Request-Id", requestID)
	writer.Header().Set("X-Provider", s.upstream.Name())

	auth, ok := tenancy.AuthFromContext(request.Context())
	if !ok {
		writeError(writer, http.StatusUnauthorized, openai.ErrorTypeAuthentication, "missing_auth", "missing credentials")
		return
	}

	var embeddingRequest openai.EmbeddingRequest
	if err := json.NewDecoder(request.Body).Decode(&embeddingRequest); err != nil {
		handleError(writer, request, s.logger, requestID, BadRequestError{fmt.Errorf("malformed request body: %v", err)})
		return
	}
	if embeddingRequest.Model == "" {
		handleError(writer, request, s.logger, requestID, BadRequestError{fmt.Errorf("model is required")})
		return
	}
	if embeddingRequest.Input == nil {
		handleError(writer, request, s.logger, requestID, BadRequestError{fmt.Errorf("input is required")})
		return
	}

	if !s.admit(writer, request, requestID, auth) {
		return
	}

	ctx := s.withTenantKey(request.Context(), auth.Tenant.ID)
	started := time.Now()
	response, err := s.upstream.Embed(ctx, &embeddingRequest)
	s.metrics.ObserveUpstream(s.upstream.Name(), err, time.Since(started))
	if err != nil {
		handleError(writer, request, s.logger, requestID, err)
		return
	}

	tokens := cache.TokenCounts{
		Input: response.Usage.PromptTokens,
		Total: response.Usage.TotalTokens,
	}
	cost := s.costs.Cost(embeddingRequest.Model, tokens)

	headers := writer.Header()
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Cache", cacheMiss)
	headers.Set("X-Cost-USD", formatUSD(cost))
	timer.writeHeaders(headers)
	writer.WriteHeader(http.StatusOK)
	json.NewEncoder(writer).Encode(response)

	s.metrics.ObserveRequest(request.URL.Path, cacheMiss, http.StatusOK, timer.elapsed())
	s.logUsage(usage.Record{
		RequestID:   requestID,
		TenantID:    auth.Tenant.ID,
		Endpoint:    request.URL.Path,
		Model:       embeddingRequest.Model,
		CacheStatus: cacheMiss,
		Tokens:      tokens,
		CostUSD:     cost,
		LatencyMs:   timer.elapsed().Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	})
}

// admit runs the rate and quota checks and charges the monthly counter. The
// charge happens before any cache lookup so cached responses count against
// quota too. Returns false after writing the denial response.
func (s *Gateway) admit(writer http.ResponseWriter, request *http.Request, requestID string, auth *tenancy.AuthContext) bool {
	decision := s.limiter.Admit(request.Context(), auth.Tenant)
	if !decision.Allowed {
		s.metrics.ObserveDenial(string(decision.Reason))
		if decision.Reason == rate.DenialQuotaExceeded {
			handleError(writer, request, s.logger, requestID, QuotaError{Decision: decision})
		} else {
			handleError(writer, request, s.logger, requestID, RateLimitError{Decision: decision})
		}
		return false
	}
	s.limiter.Observe(request.Context(), auth.Tenant.ID)
	rate.WriteHeaders(writer.Header(), decision)
	return true
}

// serveWithCaches is the non-streaming tail of the pipeline: deterministic
// lookup, then semantic lookup, then a coalesced upstream call with
// write-through into both caches.
func (s *Gateway) serveWithCaches(writer http.ResponseWriter, request *http.Request, timer *requestTimer, requestID string, auth *tenancy.AuthContext, p *pipelineRequest) {
	ctx := request.Context()
	tenant := auth.Tenant

	entry, err := s.cacheStore.Get(ctx, tenant.ID, p.fp)
	if err != nil {
		s.logger.Warnw("deterministic lookup failed", "requestId", requestID, "error", err)
	}
	s.metrics.ObserveCacheLookup("deterministic", entry != nil)
	if entry != nil {
		s.serveCachedEntry(writer, timer, requestID, auth, p.endpoint, entry, cacheHit, 0)
		return
	}

	// A failed embedding degrades the request to deterministic-plus-coalesce
	// rather than failing it.
	var embedding []float32
	embeddingResponse, err := s.upstream.Embed(ctx, &openai.EmbeddingRequest{
		Input: &openai.EmbeddingInput{String: utils.ToPtr(p.embeddingInput)},
		Model: s.config.EmbeddingModel,
	})
	if err != nil {
		s.logger.Warnw("embedding failed, skipping semantic lookup", "requestId", requestID, "error", err)
	} else if len(embeddingResponse.Data) > 0 {
		embedding = embeddingResponse.Data[0].Embedding
	}

	bucketKey := fingerprint.BucketKey(p.model, p.contextHash)
	if embedding != nil {
		match, err := s.semantic.Find(ctx, tenant.ID, p.kind, bucketKey, embedding, tenant.Threshold(s.config.SemanticCacheThreshold))
		if err != nil {
			s.logger.Warnw("semantic lookup failed", "requestId", requestID, "error", err)
		}
		s.metrics.ObserveCacheLookup("semantic", match != nil)
		if match != nil {
			s.serveCachedEntry(writer, timer, requestID, auth, p.endpoint, &match.Entry.Entry, cacheHitSemantic, match.Similarity)
			return
		}
	}

	payload, tokens, status, err := s.dispatch(ctx, requestID, tenant.ID, p)
	if err != nil {
		handleError(writer, request, s.logger, requestID, err)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Cache", status)

	cost := s.costs.Cost(p.model, tokens)
	if status == cacheHitCoalesced {
		headers.Set("X-Cache-Age", "0")
		headers.Set("X-Tokens-Saved", strconv.FormatInt(int64(tokens.Total), 10))
	} else {
		headers.Set("X-Cost-USD", formatUSD(cost))
	}
	timer.writeHeaders(headers)
	writer.WriteHeader(http.StatusOK)
	writer.Write(payload)

	s.metrics.ObserveRequest(p.endpoint, status, http.StatusOK, timer.elapsed())

	record := usage.Record{
		RequestID:   requestID,
		TenantID:    tenant.ID,
		Endpoint:    p.endpoint,
		Model:       p.model,
		CacheStatus: status,
		Tokens:      tokens,
		LatencyMs:   timer.elapsed().Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if status == cacheHitCoalesced {
		record.SavedUSD = cost
		s.metrics.ObserveSavings(tenant.ID, cost)
		s.logUsage(record)
		s.publishEvent(requestID, "request.served", tenant.ID, record)
		return
	}
	record.CostUSD = cost
	s.logUsage(record)
	s.publishEvent(requestID, "request.served", tenant.ID, record)

	now := time.Now().UTC()
	written := &cache.Entry{
		Payload:     payload,
		Model:       p.model,
		GeneratedAt: now,
		Tokens:      tokens,
	}
	ttl, never := cache.EffectiveTTL(tenant, p.endpoint, s.config.DefaultCacheTTL())
	if err := s.cacheStore.Put(ctx, tenant.ID, p.fp, written, p.endpoint, ttl, never); err != nil {
		s.logger.Warnw("deterministic write-through failed", "requestId", requestID, "error", err)
	}
	if embedding != nil {
		semanticEntry := &semantic.Entry{
			Entry:      *written,
			Embedding:  embedding,
			BucketKey:  bucketKey,
			SourceText: p.embeddingInput,
		}
		if err := s.semantic.Put(ctx, tenant.ID, p.kind, semanticEntry); err != nil {
			s.logger.Warnw("semantic write-through failed", "requestId", requestID, "error", err)
		}
	}
}

// dispatch resolves who calls upstream. Followers wait on the leader's
// published response; a leader that died without publishing sends them back
// into the race, bounded by maxLeaderRetries. Only a caller that actually
// holds the lease may publish or release it: a follower that exhausts its
// retries calls upstream on its own without touching the live leader's lease.
func (s *Gateway) dispatch(ctx context.Context, requestID string, tenantID string, p *pipelineRequest) ([]byte, cache.TokenCounts, string, error) {
	leader := false
	for attempt := 0; attempt <= maxLeaderRetries; attempt++ {
		acquisition, err := s.coalescer.Acquire(ctx, tenantID, p.fp, requestID)
		if err != nil {
			s.logger.Warnw("coalescer unavailable, calling upstream directly",
				"requestId", requestID, "error", err)
			break
		}
		if acquisition.Leader {
			leader = true
			break
		}

		response, err := s.coalescer.AwaitResponse(ctx, tenantID, p.fp)
		if err != nil {
			return nil, cache.TokenCounts{}, "", err
		}
		if response != nil {
			s.metrics.ObserveCoalesced(tenantID)
			return response, tokensFromPayload(response), cacheHitCoalesced, nil
		}
	}

	started := time.Now()
	result, err := p.call(s.withTenantKey(ctx, tenantID))
	s.metrics.ObserveUpstream(s.upstream.Name(), err, time.Since(started))
	if err != nil {
		if leader {
			if releaseErr := s.coalescer.Release(ctx, tenantID, p.fp); releaseErr != nil {
				s.logger.Warnw("failed to release lease", "requestId", requestID, "error", releaseErr)
			}
		}
		return nil, cache.TokenCounts{}, "", err
	}
	if leader {
		if err := s.coalescer.Publish(ctx, tenantID, p.fp, result.Payload); err != nil {
			s.logger.Warnw("failed to publish coalesced response", "requestId", requestID, "error", err)
		}
	}

	tokens := cache.TokenCounts{
		Input:  result.Usage.PromptTokens,
		Output: result.Usage.CompletionTokens,
		Total:  result.Usage.TotalTokens,
	}
	return result.Payload, tokens, cacheMiss, nil
}

// serveChatStream handles stream=true chat requests: replay a cached
// transcript when one exists, otherwise tee the live upstream stream to the
// client while recording it. Streamed requests never coalesce and never
// consult the semantic cache.
func (s *Gateway) serveChatStream(writer http.ResponseWriter, request *http.Request, timer *requestTimer, requestID string, auth *tenancy.AuthContext, chatRequest *openai.ChatCompletionRequest) {
	ctx := request.Context()
	tenant := auth.Tenant
	endpoint := request.URL.Path
	fp := fingerprint.Chat(tenant.ID, chatRequest)

	entry, err := s.cacheStore.GetStream(ctx, tenant.ID, fp)
	if err != nil {
		s.logger.Warnw("stream lookup failed", "requestId", requestID, "error", err)
	}
	s.metrics.ObserveCacheLookup("stream", entry != nil)
	if entry != nil {
		saved := s.costs.Cost(entry.Model, entry.Tokens)
		headers := writer.Header()
		setStreamHeaders(headers)
		headers.Set("X-Cache", cacheHitStream)
		headers.Set("X-Cache-Age", strconv.FormatInt(int64(entry.Age(time.Now().UTC()).Seconds()), 10))
		headers.Set("X-Tokens-Saved", strconv.FormatInt(int64(entry.Tokens.Total), 10))
		timer.writeHeaders(headers)
		writer.WriteHeader(http.StatusOK)

		if err := s.recorder.Replay(ctx, writer, entry, false); err != nil {
			s.logger.Warnw("stream replay interrupted", "requestId", requestID, "error", err)
			return
		}

		s.metrics.ObserveRequest(endpoint, cacheHitStream, http.StatusOK, timer.elapsed())
		s.metrics.ObserveSavings(tenant.ID, saved)
		record := usage.Record{
			RequestID:   requestID,
			TenantID:    tenant.ID,
			Endpoint:    endpoint,
			Model:       entry.Model,
			CacheStatus: cacheHitStream,
			Tokens:      entry.Tokens,
			SavedUSD:    saved,
			LatencyMs:   timer.elapsed().Milliseconds(),
			Streamed:    true,
			CreatedAt:   time.Now().UTC(),
		}
		s.logUsage(record)
		s.publishEvent(requestID, "request.served", tenant.ID, record)
		return
	}

	started := time.Now()
	body, err := s.upstream.ChatStream(s.withTenantKey(ctx, tenant.ID), chatRequest)
	if err != nil {
		s.metrics.ObserveUpstream(s.upstream.Name(), err, time.Since(started))
		handleError(writer, request, s.logger, requestID, err)
		return
	}
	defer body.Close()

	headers := writer.Header()
	setStreamHeaders(headers)
	headers.Set("X-Cache", cacheMiss)
	timer.writeHeaders(headers)
	writer.WriteHeader(http.StatusOK)

	recorded, teeErr := s.recorder.Tee(ctx, body, writer, chatRequest.Model, fingerprint.ChatEmbeddingInput(chatRequest))
	s.metrics.ObserveUpstream(s.upstream.Name(), teeErr, time.Since(started))
	if teeErr != nil {
		s.logger.Warnw("live stream interrupted", "requestId", requestID, "error", teeErr)
	}

	if stream.Cacheable(recorded) {
		ttl, never := cache.EffectiveTTL(tenant, endpoint, s.config.DefaultCacheTTL())
		if err := s.cacheStore.PutStream(ctx, tenant.ID, fp, recorded, endpoint, ttl, never); err != nil {
			s.logger.Warnw("stream write-through failed", "requestId", requestID, "error", err)
		}
	}

	s.metrics.ObserveRequest(endpoint, cacheMiss, http.StatusOK, timer.elapsed())
	record := usage.Record{
		RequestID:   requestID,
		TenantID:    tenant.ID,
		Endpoint:    endpoint,
		Model:       chatRequest.Model,
		CacheStatus: cacheMiss,
		LatencyMs:   timer.elapsed().Milliseconds(),
		Streamed:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if recorded != nil {
		record.Tokens = recorded.Tokens
		record.CostUSD = s.costs.Cost(chatRequest.Model, recorded.Tokens)
	}
	s.logUsage(record)
	s.publishEvent(requestID, "request.served", tenant.ID, record)
}

// serveCachedEntry finishes a request from a cached response. The payload is
// written byte-for-byte as upstream produced it.
func (s *Gateway) serveCachedEntry(writer http.ResponseWriter, timer *requestTimer, requestID string, auth *tenancy.AuthContext, endpoint string, entry *cache.Entry, status string, similarity float64) {
	saved := s.costs.Cost(entry.Model, entry.Tokens)

	headers := writer.Header()
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Cache", status)
	headers.Set("X-Cache-Age", strconv.FormatInt(int64(entry.Age(time.Now().UTC()).Seconds()), 10))
	headers.Set("X-Tokens-Saved", strconv.FormatInt(int64(entry.Tokens.Total), 10))
	if status == cacheHitSemantic {
		headers.Set("X-Cache-Similarity", strconv.FormatFloat(similarity, 'f', 4, 64))
	}
	timer.writeHeaders(headers)
	writer.WriteHeader(http.StatusOK)
	writer.Write(entry.Payload)

	s.metrics.ObserveRequest(endpoint, status, http.StatusOK, timer.elapsed())
	s.metrics.ObserveSavings(auth.Tenant.ID, saved)
	record := usage.Record{
		RequestID:   requestID,
		TenantID:    auth.Tenant.ID,
		Endpoint:    endpoint,
		Model:       entry.Model,
		CacheStatus: status,
		Tokens:      entry.Tokens,
		SavedUSD:    saved,
		LatencyMs:   timer.elapsed().Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	s.logUsage(record)
	s.publishEvent(requestID, "request.served", auth.Tenant.ID, record)
}

// withTenantKey swaps in the tenant's vaulted provider key when one exists.
func (s *Gateway) withTenantKey(ctx context.Context, tenantID string) context.Context {
	if s.vault == nil {
		return ctx
	}
	key, err := s.vault.Key(ctx, tenantID, s.config.Upstream.Name)
	if err != nil {
		s.logger.Warnw("vault lookup failed, using service key", "tenant", tenantID, "error", err)
		return ctx
	}
	if key == "" {
		return ctx
	}
	return provider.WithAPIKey(ctx, key)
}

func (s *Gateway) logUsage(record usage.Record) {
	if s.usageLog != nil {
		s.usageLog.Log(record)
	}
}

func (s *Gateway) publishEvent(requestID string, eventType string, tenantID string, payload any) {
	if s.events == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warnw("failed to serialize event payload", "requestId", requestID, "error", err)
		return
	}
	s.events.Publish(analytics.Event{
		EventID:   requestID,
		EventType: eventType,
		TenantID:  tenantID,
		RunID:     requestID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	})
}

// tokensFromPayload recovers the usage block from a published response so
// coalesced followers can attribute savings.
func tokensFromPayload(payload []byte) cache.TokenCounts {
	var parsed struct {
		Usage openai.Usage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return cache.TokenCounts{}
	}
	return cache.TokenCounts{
		Input:  parsed.Usage.PromptTokens,
		Output: parsed.Usage.CompletionTokens,
		Total:  parsed.Usage.TotalTokens,
	}
}

func setStreamHeaders(headers http.Header) {
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}

func formatUSD(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 6, 64)
}

func validateChatRequest(request *openai.ChatCompletionRequest) error {
	if request.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(request.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for index, message := range request.Messages {
		if !allowedRoles[message.Role] {
			return fmt.Errorf("messages[%d] has invalid role %q", index, message.Role)
		}
	}
	if request.Temperature != nil && (*request.Temperature < 0 || *request.Temperature > 2) {
		return fmt.Errorf("temperature must be within [0, 2], got %g", *request.Temperature)
	}
	if request.MaxTokens != nil && *request.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be >= 1, got %d", *request.MaxTokens)
	}
	return nil
}

func validateCompletionRequest(request *openai.CompletionRequest) error {
	if request.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(request.Prompt.Prompts()) == 0 {
		return fmt.Errorf("prompt must not be empty")
	}
	if request.Stream != nil && *request.Stream {
		return fmt.Errorf("streaming is not supported on /v1/completions")
	}
	if request.Temperature != nil && (*request.Temperature < 0 || *request.Temperature > 2) {
		return fmt.Errorf("temperature must be within [0, 2], got %g", *request.Temperature)
	}
	if request.MaxTokens != nil && *request.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be >= 1, got %d", *request.MaxTokens)
	}
	return nil
}
