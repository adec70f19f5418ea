package tenancy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"

	"github.com/kaadipranav/watchllm/utils"
)

func TestPlanLimits(t *testing.T) {
	tests := []struct {
		plan     Plan
		perMin   int64
		perMonth int64
	}{
		{PlanFree, 10, 1_000},
		{PlanStarter, 60, 50_000},
		{PlanPro, 300, 500_000},
		{PlanEnterprise, 1_000, 5_000_000},
		{Plan("bogus"), 10, 1_000},
	}
	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			limits := tt.plan.Limits()
			assert.Equal(t, tt.perMin, limits.RequestsPerMinute)
			assert.Equal(t, tt.perMonth, limits.RequestsPerMonth)
		})
	}
}

func TestTTL_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected TTL
		wantErr  bool
	}{
		{name: "seconds", input: `600`, expected: TTL{Seconds: 600}},
		{name: "zero", input: `0`, expected: TTL{Seconds: 0}},
		{name: "never", input: `"never"`, expected: TTL{Never: true}},
		{name: "negative", input: `-1`, wantErr: true},
		{name: "other string", input: `"forever"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ttl TTL
			err := json.Unmarshal([]byte(tt.input), &ttl)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected, ttl)
			}
		})
	}
}

func TestTenant_UnmarshalYAML(t *testing.T) {
	source := `
id: tenant-1
plan: starter
semantic_cache_threshold: 0.9
cache_ttl_seconds: never
cache_ttl_endpoint_overrides:
  /v1/chat/completions: 600
`
	var tenant Tenant
	assert.NoError(t, yaml.Unmarshal([]byte(source), &tenant))
	assert.Equal(t, "tenant-1", tenant.ID)
	assert.Equal(t, PlanStarter, tenant.Plan)
	assert.Equal(t, 0.9, *tenant.SemanticCacheThreshold)
	assert.True(t, tenant.CacheTTL.Never)
	assert.Equal(t, int64(600), tenant.CacheTTLEndpointOverrides["/v1/chat/completions"].Seconds)
}

func TestTenant_Threshold(t *testing.T) {
	assert.Equal(t, 0.85, (&Tenant{}).Threshold(0.85))
	assert.Equal(t, 0.9, (&Tenant{SemanticCacheThreshold: utils.ToPtr(0.9)}).Threshold(0.85))
	assert.Equal(t, 0.50, (&Tenant{SemanticCacheThreshold: utils.ToPtr(0.2)}).Threshold(0.85))
	assert.Equal(t, 0.99, (&Tenant{SemanticCacheThreshold: utils.ToPtr(1.5)}).Threshold(0.85))
}

func TestValidKeyFormat(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		valid bool
	}{
		{"project key", "lgw_proj_" + repeat("a", 32), true},
		{"test key", "lgw_test_" + repeat("B2", 16), true},
		{"longer than minimum", "lgw_proj_" + repeat("x", 48), true},
		{"too short", "lgw_proj_" + repeat("a", 31), false},
		{"wrong scope", "lgw_live_" + repeat("a", 32), false},
		{"wrong prefix", "sk_proj_" + repeat("a", 32), false},
		{"invalid characters", "lgw_proj_" + repeat("a", 31) + "!", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidKeyFormat(tt.key))
		})
	}
}

func TestStaticCredentialStore(t *testing.T) {
	store := NewStaticCredentialStore()
	tenant := &Tenant{ID: "tenant-1", Plan: PlanFree}
	store.Register("lgw_test_"+repeat("a", 32), &Credential{ID: "cred-1", Tenant: tenant})

	credential, err := store.Resolve(context.Background(), "lgw_test_"+repeat("a", 32))
	assert.NoError(t, err)
	assert.Equal(t, "cred-1", credential.ID)
	assert.Equal(t, tenant, credential.Tenant)

	_, err = store.Resolve(context.Background(), "lgw_test_"+repeat("b", 32))
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestAuthContext(t *testing.T) {
	ctx := context.Background()
	_, ok := AuthFromContext(ctx)
	assert.False(t, ok)

	auth := &AuthContext{CredentialID: "cred-1", Tenant: &Tenant{ID: "tenant-1"}}
	ctx = WithAuthContext(ctx, auth)
	got, ok := AuthFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, auth, got)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
