package cache

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/state"
	"github.com/kaadipranav/watchllm/tenancy"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC))
	manager, cleanup := state.NewMemoryManager(1 << 20)
	t.Cleanup(cleanup)
	return newStoreWithClock(manager, zap.NewNop().Sugar(), mockClock), mockClock
}

func testEntry(mockClock *clock.Mock, model string) *Entry {
	return &Entry{
		Payload:     json.RawMessage(`{"id":"chatcmpl-1","choices":[]}`),
		Model:       model,
		GeneratedAt: mockClock.Now(),
		Tokens:      TokenCounts{Input: 10, Output: 20, Total: 30},
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store, mockClock := newTestStore(t)
	ctx := context.Background()

	entry := testEntry(mockClock, "gpt-4o-mini")
	require.NoError(t, store.Put(ctx, "tenant-1", "fp-1", entry, "/v1/chat/completions", time.Hour, false))

	got, err := store.Get(ctx, "tenant-1", "fp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, string(entry.Payload), string(got.Payload))
	assert.Equal(t, entry.Tokens, got.Tokens)
	assert.Equal(t, mockClock.Now().Add(time.Hour).Unix(), got.ExpiresAt.Unix())
}

func TestStore_MissAndExpiry(t *testing.T) {
	store, mockClock := newTestStore(t)
	ctx := context.Background()

	got, err := store.Get(ctx, "tenant-1", "absent")
	require.NoError(t, err)
	assert.Nil(t, got)

	entry := testEntry(mockClock, "gpt-4o-mini")
	require.NoError(t, store.Put(ctx, "tenant-1", "fp-1", entry, "/v1/chat/completions", time.Minute, false))

	mockClock.Add(2 * time.Minute)
	got, err = store.Get(ctx, "tenant-1", "fp-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_NeverExpires(t *testing.T) {
	store, mockClock := newTestStore(t)
	ctx := context.Background()

	entry := testEntry(mockClock, "gpt-4o-mini")
	require.NoError(t, store.Put(ctx, "tenant-1", "fp-1", entry, "/v1/chat/completions", 0, true))

	mockClock.Add(24 * 365 * time.Hour)
	got, err := store.Get(ctx, "tenant-1", "fp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.ExpiresAt)
}

func TestStore_ZeroTTLSkipsWrite(t *testing.T) {
	store, mockClock := newTestStore(t)
	ctx := context.Background()

	entry := testEntry(mockClock, "gpt-4o-mini")
	require.NoError(t, store.Put(ctx, "tenant-1", "fp-1", entry, "/v1/chat/completions", 0, false))

	got, err := store.Get(ctx, "tenant-1", "fp-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_StreamRoundTrip(t *testing.T) {
	store, mockClock := newTestStore(t)
	ctx := context.Background()

	entry := &StreamEntry{
		Chunks: []StreamChunk{
			{Raw: `data: {"choices":[{"delta":{"content":"Hel"}}]}`, DeltaMs: 0},
			{Raw: `data: {"choices":[{"delta":{"content":"lo"}}]}`, DeltaMs: 40},
			{Raw: "data: [DONE]", DeltaMs: 5},
		},
		FullContent:     "Hello",
		Tokens:          TokenCounts{Input: 2, Output: 2, Total: 4},
		Complete:        true,
		TotalDurationMs: 45,
		Model:           "gpt-4o-mini",
		GeneratedAt:     mockClock.Now(),
	}
	require.NoError(t, store.PutStream(ctx, "tenant-1", "fp-s", entry, "/v1/chat/completions", time.Hour, false))

	got, err := store.GetStream(ctx, "tenant-1", "fp-s")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Chunks, 3)
	assert.Equal(t, "Hello", got.FullContent)
}

func TestStore_IncompleteStreamNotServed(t *testing.T) {
	store, mockClock := newTestStore(t)
	ctx := context.Background()

	entry := &StreamEntry{
		Chunks:      []StreamChunk{{Raw: "data: partial", DeltaMs: 0}},
		Complete:    false,
		Model:       "gpt-4o-mini",
		GeneratedAt: mockClock.Now(),
	}
	require.NoError(t, store.PutStream(ctx, "tenant-1", "fp-s", entry, "/v1/chat/completions", time.Hour, false))

	got, err := store.GetStream(ctx, "tenant-1", "fp-s")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_Invalidate(t *testing.T) {
	store, mockClock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tenant-1", "fp-a", testEntry(mockClock, "model-a"), "/v1/chat/completions", time.Hour, false))
	require.NoError(t, store.Put(ctx, "tenant-1", "fp-b", testEntry(mockClock, "model-b"), "/v1/chat/completions", time.Hour, false))
	mockClock.Add(time.Minute)
	require.NoError(t, store.Put(ctx, "tenant-1", "fp-c", testEntry(mockClock, "model-a"), "/v1/completions", time.Hour, false))

	t.Run("by model", func(t *testing.T) {
		removed, err := store.Invalidate(ctx, "tenant-1", Filter{Model: "model-a"})
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		got, err := store.Get(ctx, "tenant-1", "fp-a")
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = store.Get(ctx, "tenant-1", "fp-b")
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("by date", func(t *testing.T) {
		before := mockClock.Now().Add(-30 * time.Second)
		removed, err := store.Invalidate(ctx, "tenant-1", Filter{Before: &before})
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		got, err := store.Get(ctx, "tenant-1", "fp-b")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("no matches", func(t *testing.T) {
		removed, err := store.Invalidate(ctx, "tenant-1", Filter{Model: "model-z"})
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
	})
}

func TestStore_Stats(t *testing.T) {
	store, mockClock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tenant-1", "fp-a", testEntry(mockClock, "model-a"), "/v1/chat/completions", time.Hour, false))
	require.NoError(t, store.PutStream(ctx, "tenant-1", "fp-s", &StreamEntry{
		Chunks:      []StreamChunk{{Raw: "data: [DONE]"}},
		Complete:    true,
		Model:       "model-a",
		GeneratedAt: mockClock.Now(),
	}, "/v1/chat/completions", time.Hour, false))

	stats, err := store.Stats(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.JsonEntries)
	assert.Equal(t, 1, stats.StreamEntries)
}

func TestEffectiveTTL(t *testing.T) {
	envDefault := 10 * time.Minute

	t.Run("environment default", func(t *testing.T) {
		ttl, never := EffectiveTTL(&tenancy.Tenant{}, "/v1/chat/completions", envDefault)
		assert.Equal(t, envDefault, ttl)
		assert.False(t, never)
	})

	t.Run("tenant default wins over environment", func(t *testing.T) {
		tenant := &tenancy.Tenant{CacheTTL: &tenancy.TTL{Seconds: 120}}
		ttl, never := EffectiveTTL(tenant, "/v1/chat/completions", envDefault)
		assert.Equal(t, 2*time.Minute, ttl)
		assert.False(t, never)
	})

	t.Run("endpoint override wins over tenant default", func(t *testing.T) {
		tenant := &tenancy.Tenant{
			CacheTTL: &tenancy.TTL{Seconds: 120},
			CacheTTLEndpointOverrides: map[string]*tenancy.TTL{
				"/v1/chat/completions": {Seconds: 600},
			},
		}
		ttl, never := EffectiveTTL(tenant, "/v1/chat/completions", envDefault)
		assert.Equal(t, 10*time.Minute, ttl)
		assert.False(t, never)

		ttl, _ = EffectiveTTL(tenant, "/v1/completions", envDefault)
		assert.Equal(t, 2*time.Minute, ttl)
	})

	t.Run("never sentinel", func(t *testing.T) {
		tenant := &tenancy.Tenant{CacheTTL: &tenancy.TTL{Never: true}}
		_, never := EffectiveTTL(tenant, "/v1/chat/completions", envDefault)
		assert.True(t, never)
	})
}

func TestEntry_Age(t *testing.T) {
	now := time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)
	entry := &Entry{GeneratedAt: now.Add(-90 * time.Second)}
	assert.Equal(t, 90*time.Second, entry.Age(now))
	assert.Equal(t, time.Duration(0), (&Entry{GeneratedAt: now.Add(time.Hour)}).Age(now))
}
