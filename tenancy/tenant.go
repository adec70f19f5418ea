// Package tenancy holds the tenant model, plan tiers and the API-key
// authentication middleware. The credential store that maps opaque keys to
// tenants is an interface so deployments can back it with their own systems;
// a config-driven in-memory store ships with the gateway.
package tenancy

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Plan names a tier governing admission.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// PlanLimits is the (requests per minute, requests per month) pair a plan
// maps to.
type PlanLimits struct {
	RequestsPerMinute int64
	RequestsPerMonth  int64
}

var planLimits = map[Plan]PlanLimits{
	PlanFree:       {RequestsPerMinute: 10, RequestsPerMonth: 1_000},
	PlanStarter:    {RequestsPerMinute: 60, RequestsPerMonth: 50_000},
	PlanPro:        {RequestsPerMinute: 300, RequestsPerMonth: 500_000},
	PlanEnterprise: {RequestsPerMinute: 1_000, RequestsPerMonth: 5_000_000},
}

// Limits returns the admission limits for the plan. Unknown plans fall back
// to the free tier.
func (p Plan) Limits() PlanLimits {
	if limits, exists := planLimits[p]; exists {
		return limits
	}
	return planLimits[PlanFree]
}

// TTL is a cache lifetime that is either a second count or the "never"
// sentinel meaning unbounded. On the wire it is a number or the string
// "never".
type TTL struct {
	Never   bool
	Seconds int64
}

func (t *TTL) MarshalJSON() ([]byte, error) {
	if t.Never {
		return json.Marshal("never")
	}
	return json.Marshal(t.Seconds)
}

func (t *TTL) UnmarshalJSON(data []byte) error {
	var seconds int64
	if err := json.Unmarshal(data, &seconds); err == nil {
		if seconds < 0 {
			return fmt.Errorf("ttl seconds must be >= 0, got %d", seconds)
		}
		t.Seconds = seconds
		return nil
	}
	var sentinel string
	if err := json.Unmarshal(data, &sentinel); err == nil && sentinel == "never" {
		t.Never = true
		return nil
	}
	return fmt.Errorf("expected ttl seconds or \"never\", got %s", data)
}

func (t *TTL) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		if seconds < 0 {
			return fmt.Errorf("ttl seconds must be >= 0, got %d", seconds)
		}
		t.Seconds = seconds
		return nil
	}
	var sentinel string
	if err := value.Decode(&sentinel); err == nil && sentinel == "never" {
		t.Never = true
		return nil
	}
	return fmt.Errorf("expected ttl seconds or \"never\", got %q", value.Value)
}

// Tenant is the per-customer record the credential store resolves keys to.
type Tenant struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Plan Plan   `json:"plan" yaml:"plan"`

	// Minimum cosine similarity for a semantic hit, in [0.50, 0.99].
	// Nil falls back to the global default.
	SemanticCacheThreshold *float64 `json:"semantic_cache_threshold,omitempty" yaml:"semantic_cache_threshold,omitempty"`

	// Default lifetime of cached entries. Nil falls back to the environment
	// default.
	CacheTTL *TTL `json:"cache_ttl_seconds,omitempty" yaml:"cache_ttl_seconds,omitempty"`

	// Endpoint path -> lifetime override, e.g. "/v1/chat/completions": 600.
	CacheTTLEndpointOverrides map[string]*TTL `json:"cache_ttl_endpoint_overrides,omitempty" yaml:"cache_ttl_endpoint_overrides,omitempty"`
}

// Threshold returns the tenant's semantic threshold clamped to [0.50, 0.99],
// or fallback when unset.
func (t *Tenant) Threshold(fallback float64) float64 {
	value := fallback
	if t.SemanticCacheThreshold != nil {
		value = *t.SemanticCacheThreshold
	}
	if value < 0.50 {
		return 0.50
	}
	if value > 0.99 {
		return 0.99
	}
	return value
}

type contextKey int

const tenantContextKey contextKey = iota

// AuthContext carries the resolved identity of an authenticated request.
type AuthContext struct {
	CredentialID string
	Tenant       *Tenant
}

func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, tenantContextKey, auth)
}

func AuthFromContext(ctx context.Context) (*AuthContext, bool) {
	auth, ok := ctx.Value(tenantContextKey).(*AuthContext)
	return auth, ok
}
