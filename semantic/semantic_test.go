package semantic

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/cache"
	"github.com/kaadipranav/watchllm/fingerprint"
	"github.com/kaadipranav/watchllm/state"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, expected: 1},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, expected: -1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, expected: 0},
		{name: "length mismatch", a: []float32{1, 2}, b: []float32{1, 2, 3}, expected: 0},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 2}, expected: 0},
		{name: "empty", a: nil, b: nil, expected: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func newTestStore(t *testing.T, capacity int) (*Store, *clock.Mock) {
	t.Helper()
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC))
	manager, cleanup := state.NewMemoryManager(1 << 20)
	t.Cleanup(cleanup)
	return newStoreWithClock(manager, zap.NewNop().Sugar(), mockClock, capacity), mockClock
}

func testEntry(mockClock *clock.Mock, bucketKey string, embedding []float32, model string) *Entry {
	return &Entry{
		Entry: cache.Entry{
			Payload:     json.RawMessage(`{"id":"chatcmpl-1"}`),
			Model:       model,
			GeneratedAt: mockClock.Now(),
			Tokens:      cache.TokenCounts{Input: 5, Output: 7, Total: 12},
		},
		Embedding:  embedding,
		BucketKey:  bucketKey,
		SourceText: "user: hello",
	}
}

func TestStore_FindThreshold(t *testing.T) {
	store, mockClock := newTestStore(t, DefaultCapacity)
	ctx := context.Background()

	entry := testEntry(mockClock, "gpt-4o:ctx1", []float32{1, 0, 0}, "gpt-4o")
	require.NoError(t, store.Put(ctx, "tenant-1", fingerprint.KindChat, entry))

	t.Run("above threshold hits", func(t *testing.T) {
		match, err := store.Find(ctx, "tenant-1", fingerprint.KindChat, "gpt-4o:ctx1", []float32{0.9, 0.1, 0}, 0.85)
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.GreaterOrEqual(t, match.Similarity, 0.85)
	})

	t.Run("below threshold misses", func(t *testing.T) {
		match, err := store.Find(ctx, "tenant-1", fingerprint.KindChat, "gpt-4o:ctx1", []float32{0, 1, 0}, 0.85)
		require.NoError(t, err)
		assert.Nil(t, match)
	})

	t.Run("bucket key gates the lookup", func(t *testing.T) {
		match, err := store.Find(ctx, "tenant-1", fingerprint.KindChat, "gpt-4o:ctx2", []float32{1, 0, 0}, 0.85)
		require.NoError(t, err)
		assert.Nil(t, match)
	})

	t.Run("kinds are disjoint", func(t *testing.T) {
		match, err := store.Find(ctx, "tenant-1", fingerprint.KindCompletion, "gpt-4o:ctx1", []float32{1, 0, 0}, 0.85)
		require.NoError(t, err)
		assert.Nil(t, match)
	})

	t.Run("tenants are disjoint", func(t *testing.T) {
		match, err := store.Find(ctx, "tenant-2", fingerprint.KindChat, "gpt-4o:ctx1", []float32{1, 0, 0}, 0.85)
		require.NoError(t, err)
		assert.Nil(t, match)
	})
}

func TestStore_FindPicksBestThenMostRecent(t *testing.T) {
	store, mockClock := newTestStore(t, DefaultCapacity)
	ctx := context.Background()

	older := testEntry(mockClock, "gpt-4o:ctx1", []float32{1, 0, 0}, "gpt-4o")
	require.NoError(t, store.Put(ctx, "tenant-1", fingerprint.KindChat, older))

	mockClock.Add(time.Second)
	newer := testEntry(mockClock, "gpt-4o:ctx1", []float32{1, 0, 0}, "gpt-4o")
	newer.SourceText = "user: hello again"
	require.NoError(t, store.Put(ctx, "tenant-1", fingerprint.KindChat, newer))

	mockClock.Add(time.Second)
	weaker := testEntry(mockClock, "gpt-4o:ctx1", []float32{0.5, 0.5, 0}, "gpt-4o")
	require.NoError(t, store.Put(ctx, "tenant-1", fingerprint.KindChat, weaker))

	match, err := store.Find(ctx, "tenant-1", fingerprint.KindChat, "gpt-4o:ctx1", []float32{1, 0, 0}, 0.85)
	require.NoError(t, err)
	require.NotNil(t, match)
	// Two entries tie at similarity 1; the most recently generated wins.
	assert.Equal(t, "user: hello again", match.Entry.SourceText)
}

func TestStore_ExpiredEntriesInvisible(t *testing.T) {
	store, mockClock := newTestStore(t, DefaultCapacity)
	ctx := context.Background()

	entry := testEntry(mockClock, "gpt-4o:ctx1", []float32{1, 0, 0}, "gpt-4o")
	expiresAt := mockClock.Now().Add(time.Minute)
	entry.ExpiresAt = &expiresAt
	require.NoError(t, store.Put(ctx, "tenant-1", fingerprint.KindChat, entry))

	mockClock.Add(2 * time.Minute)
	match, err := store.Find(ctx, "tenant-1", fingerprint.KindChat, "gpt-4o:ctx1", []float32{1, 0, 0}, 0.85)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestStore_CapacityEvictsOldest(t *testing.T) {
	store, mockClock := newTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		entry := testEntry(mockClock, "gpt-4o:ctx1", []float32{1, 0, 0}, "gpt-4o")
		entry.SourceText = fmt.Sprintf("prompt-%d", i)
		require.NoError(t, store.Put(ctx, "tenant-1", fingerprint.KindChat, entry))
		mockClock.Add(time.Second)
	}

	size, err := store.Size(ctx, "tenant-1", fingerprint.KindChat)
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	// The oldest entry (prompt-0) is the one evicted, regardless of TTL.
	match, err := store.Find(ctx, "tenant-1", fingerprint.KindChat, "gpt-4o:ctx1", []float32{1, 0, 0}, 0.85)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "prompt-3", match.Entry.SourceText)
}

func TestStore_Invalidate(t *testing.T) {
	store, mockClock := newTestStore(t, DefaultCapacity)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tenant-1", fingerprint.KindChat,
		testEntry(mockClock, "model-a:ctx", []float32{1, 0}, "model-a")))
	require.NoError(t, store.Put(ctx, "tenant-1", fingerprint.KindChat,
		testEntry(mockClock, "model-b:ctx", []float32{1, 0}, "model-b")))
	require.NoError(t, store.Put(ctx, "tenant-1", fingerprint.KindCompletion,
		testEntry(mockClock, "model-a:ctx", []float32{1, 0}, "model-a")))

	removed, err := store.Invalidate(ctx, "tenant-1", Filter{Model: "model-a"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	match, err := store.Find(ctx, "tenant-1", fingerprint.KindChat, "model-b:ctx", []float32{1, 0}, 0.85)
	require.NoError(t, err)
	assert.NotNil(t, match)
}

func TestStore_CleanupExpired(t *testing.T) {
	store, mockClock := newTestStore(t, DefaultCapacity)
	ctx := context.Background()

	expiring := testEntry(mockClock, "gpt-4o:ctx1", []float32{1, 0}, "gpt-4o")
	expiresAt := mockClock.Now().Add(time.Minute)
	expiring.ExpiresAt = &expiresAt
	require.NoError(t, store.Put(ctx, "tenant-1", fingerprint.KindChat, expiring))

	forever := testEntry(mockClock, "gpt-4o:ctx1", []float32{0, 1}, "gpt-4o")
	require.NoError(t, store.Put(ctx, "tenant-1", fingerprint.KindChat, forever))

	mockClock.Add(2 * time.Minute)
	removed, err := store.CleanupExpired(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	size, err := store.Size(ctx, "tenant-1", fingerprint.KindChat)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}
