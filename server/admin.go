package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/kaadipranav/watchllm/cache"
	"github.com/kaadipranav/watchllm/fingerprint"
	"github.com/kaadipranav/watchllm/openai"
	"github.com/kaadipranav/watchllm/semantic"
	"github.com/kaadipranav/watchllm/tenancy"
)

// invalidateRequest is the filter body of POST /v1/cache/invalidate. At least
// one filter must be set.
type invalidateRequest struct {
	Model         string   `json:"model,omitempty"`
	Endpoint      string   `json:"endpoint,omitempty"`
	BeforeDate    string   `json:"before_date,omitempty"`
	AfterDate     string   `json:"after_date,omitempty"`
	MinSimilarity *float64 `json:"min_similarity,omitempty"`
	MaxSimilarity *float64 `json:"max_similarity,omitempty"`
}

type invalidateResponse struct {
	Success            bool   `json:"success"`
	EntriesInvalidated int    `json:"entries_invalidated"`
	Message            string `json:"message"`
}

func (r *invalidateRequest) empty() bool {
	return r.Model == "" && r.Endpoint == "" && r.BeforeDate == "" && r.AfterDate == "" &&
		r.MinSimilarity == nil && r.MaxSimilarity == nil
}

// parseDate accepts RFC 3339 timestamps or bare dates.
func parseDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return &parsed, nil
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, expected RFC 3339 or YYYY-MM-DD", value)
	}
	return &parsed, nil
}

func (s *Gateway) HandleCacheInvalidate(writer http.ResponseWriter, request *http.Request) {
	requestID := openai.NewRequestId()
	writer.Header().Set("X-Request-Id", requestID)

	auth, ok := tenancy.AuthFromContext(request.Context())
	if !ok {
		writeError(writer, http.StatusUnauthorized, openai.ErrorTypeAuthentication, "missing_auth", "missing credentials")
		return
	}

	var body invalidateRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		handleError(writer, request, s.logger, requestID, BadRequestError{fmt.Errorf("malformed request body: %v", err)})
		return
	}
	if body.empty() {
		handleError(writer, request, s.logger, requestID,
			BadRequestError{fmt.Errorf("at least one filter is required")})
		return
	}
	for name, value := range map[string]*float64{
		"min_similarity": body.MinSimilarity,
		"max_similarity": body.MaxSimilarity,
	} {
		if value != nil && (*value < 0 || *value > 1) {
			handleError(writer, request, s.logger, requestID,
				BadRequestError{fmt.Errorf("%s must be within [0, 1], got %g", name, *value)})
			return
		}
	}
	if body.MinSimilarity != nil && body.MaxSimilarity != nil && *body.MinSimilarity > *body.MaxSimilarity {
		handleError(writer, request, s.logger, requestID,
			BadRequestError{fmt.Errorf("min_similarity must not exceed max_similarity")})
		return
	}

	before, err := parseDate(body.BeforeDate)
	if err != nil {
		handleError(writer, request, s.logger, requestID, BadRequestError{err})
		return
	}
	after, err := parseDate(body.AfterDate)
	if err != nil {
		handleError(writer, request, s.logger, requestID, BadRequestError{err})
		return
	}

	ctx := request.Context()
	tenant := auth.Tenant
	removed, err := s.cacheStore.Invalidate(ctx, tenant.ID, cache.Filter{
		Model:    body.Model,
		Endpoint: body.Endpoint,
		Before:   before,
		After:    after,
	})
	if err != nil {
		handleError(writer, request, s.logger, requestID, InternalServerError{err})
		return
	}
	semanticRemoved, err := s.semantic.Invalidate(ctx, tenant.ID, semantic.Filter{
		Model:  body.Model,
		Before: before,
		After:  after,
	})
	if err != nil {
		handleError(writer, request, s.logger, requestID, InternalServerError{err})
		return
	}

	total := removed + semanticRemoved
	s.logger.Infow("cache invalidated",
		"requestId", requestID, "tenant", tenant.ID, "removed", total)
	writeJSON(writer, http.StatusOK, invalidateResponse{
		Success:            true,
		EntriesInvalidated: total,
		Message:            fmt.Sprintf("invalidated %d entries", total),
	})
}

type cacheStatsResponse struct {
	Deterministic cache.Stats     `json:"deterministic"`
	Semantic      semanticStats   `json:"semantic"`
	Coalescing    coalescingStats `json:"coalescing"`
}

type semanticStats struct {
	ChatEntries       int `json:"chat_entries"`
	CompletionEntries int `json:"completion_entries"`
}

type coalescingStats struct {
	CoalescedCount int64 `json:"coalesced_count"`
	PeakFollowers  int64 `json:"peak_followers"`
}

func (s *Gateway) HandleCacheStats(writer http.ResponseWriter, request *http.Request) {
	requestID := openai.NewRequestId()
	writer.Header().Set("X-Request-Id", requestID)

	auth, ok := tenancy.AuthFromContext(request.Context())
	if !ok {
		writeError(writer, http.StatusUnauthorized, openai.ErrorTypeAuthentication, "missing_auth", "missing credentials")
		return
	}

	ctx := request.Context()
	tenant := auth.Tenant
	stats, err := s.cacheStore.Stats(ctx, tenant.ID)
	if err != nil {
		handleError(writer, request, s.logger, requestID, InternalServerError{err})
		return
	}
	chatEntries, err := s.semantic.Size(ctx, tenant.ID, fingerprint.KindChat)
	if err != nil {
		handleError(writer, request, s.logger, requestID, InternalServerError{err})
		return
	}
	completionEntries, err := s.semantic.Size(ctx, tenant.ID, fingerprint.KindCompletion)
	if err != nil {
		handleError(writer, request, s.logger, requestID, InternalServerError{err})
		return
	}
	coalescing, err := s.coalescer.MonthlyStats(ctx, tenant.ID)
	if err != nil {
		handleError(writer, request, s.logger, requestID, InternalServerError{err})
		return
	}

	writeJSON(writer, http.StatusOK, cacheStatsResponse{
		Deterministic: *stats,
		Semantic: semanticStats{
			ChatEntries:       chatEntries,
			CompletionEntries: completionEntries,
		},
		Coalescing: coalescingStats{
			CoalescedCount: coalescing.CoalescedCount,
			PeakFollowers:  coalescing.PeakFollowers,
		},
	})
}

func (s *Gateway) HandleModels(writer http.ResponseWriter, request *http.Request) {
	models := s.costs.Models()
	list := openai.ModelList{Object: "list", Data: make([]openai.Model, 0, len(models))}
	for _, model := range models {
		list.Data = append(list.Data, openai.Model{
			Id:      model,
			Object:  "model",
			OwnedBy: s.config.Upstream.Name,
		})
	}
	writeJSON(writer, http.StatusOK, list)
}

func (s *Gateway) HandleHealth(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
}

type dependencyHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HandleHealthDetailed probes the state store with a write-read round trip
// and reports each dependency individually. Any failing dependency turns the
// whole response into a 503.
func (s *Gateway) HandleHealthDetailed(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	dependencies := map[string]dependencyHealth{
		"upstream":  {Status: "configured"},
		"analytics": {Status: "disabled"},
	}
	if s.events != nil {
		dependencies["analytics"] = dependencyHealth{Status: "ok"}
	}

	store := dependencyHealth{Status: "ok"}
	probeKey := "watchllm:health:probe"
	if err := s.states.Set(ctx, probeKey, []byte("ok"), time.Minute); err != nil {
		store = dependencyHealth{Status: "unavailable", Error: scrub(err.Error())}
	} else if value, err := s.states.Get(ctx, probeKey); err != nil || string(value) != "ok" {
		store = dependencyHealth{Status: "unavailable", Error: "probe read failed"}
	}
	dependencies["store"] = store

	status := http.StatusOK
	overall := "ok"
	for _, dependency := range dependencies {
		if dependency.Status == "unavailable" {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
	}
	writeJSON(writer, status, map[string]any{
		"status":       overall,
		"dependencies": dependencies,
	})
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(value)
}
