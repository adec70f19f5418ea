// Package cache is the deterministic response cache: full responses and
// streamed transcripts keyed by request fingerprint, stored in the shared
// key-value store with per-tenant effective TTLs and filterable invalidation.
package cache

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/kaadipranav/watchllm/tenancy"
)

// TokenCounts mirrors what upstream billed for the cached response.
type TokenCounts struct {
	Input  int32 `json:"input"`
	Output int32 `json:"output"`
	Total  int32 `json:"total"`
}

// Entry is a cached JSON response.
type Entry struct {
	// Payload is the full response body as sent to the client.
	Payload json.RawMessage `json:"payload"`

	Model       string      `json:"model"`
	GeneratedAt time.Time   `json:"generated_at"`
	Tokens      TokenCounts `json:"tokens"`

	// ExpiresAt nil means the entry never expires.
	ExpiresAt *time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its lifetime at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Age is the time since the response was generated, floored to zero.
func (e *Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.GeneratedAt)
	if age < 0 {
		return 0
	}
	return age
}

// StreamChunk is one recorded SSE line with its arrival delay.
type StreamChunk struct {
	Raw     string `json:"raw"`
	DeltaMs int64  `json:"delta_ms"`
}

// StreamEntry is a replayable transcript of a streamed response.
type StreamEntry struct {
	Chunks      []StreamChunk `json:"chunks"`
	FullContent string        `json:"full_content"`
	Tokens      TokenCounts   `json:"tokens"`

	// Complete is true only when the upstream stream terminated cleanly and
	// produced at least the minimum chunk count.
	Complete        bool  `json:"complete"`
	TotalDurationMs int64 `json:"total_duration_ms"`

	Model       string     `json:"model"`
	GeneratedAt time.Time  `json:"generated_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (e *StreamEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func (e *StreamEntry) Age(now time.Time) time.Duration {
	age := now.Sub(e.GeneratedAt)
	if age < 0 {
		return 0
	}
	return age
}

// EffectiveTTL resolves the lifetime for an entry written via endpoint:
// endpoint override first, then the tenant default, then the environment
// default. The second return is true for the "never expires" sentinel.
func EffectiveTTL(tenant *tenancy.Tenant, endpoint string, envDefault time.Duration) (time.Duration, bool) {
	if override, exists := tenant.CacheTTLEndpointOverrides[endpoint]; exists && override != nil {
		return ttlValue(override)
	}
	if tenant.CacheTTL != nil {
		return ttlValue(tenant.CacheTTL)
	}
	return envDefault, false
}

func ttlValue(ttl *tenancy.TTL) (time.Duration, bool) {
	if ttl.Never {
		return 0, true
	}
	return time.Duration(ttl.Seconds) * time.Second, false
}
