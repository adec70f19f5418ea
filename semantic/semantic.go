// Package semantic is the similarity cache: a bounded per-tenant window of
// embedded responses searched by brute-force cosine scan. Capacity is small
// (tens of entries) and the bucket-key pre-filter keeps the scan cheap, so no
// vector index is needed. Lookups are gated by an exact bucket key
// ("model:context-hash") so structurally different requests never cross-hit.
package semantic

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/cache"
	"github.com/kaadipranav/watchllm/fingerprint"
	"github.com/kaadipranav/watchllm/state"
)

// DefaultCapacity bounds each tenant's window per request kind. Capacity is a
// hard upper bound: entries with unbounded TTL are still evicted when the
// window is full.
const DefaultCapacity = 50

const bucketKeyFormat = "watchllm:cache:semantic:%s:%s"

// Entry is a cached response extended with its embedding and the bucket key
// it was generated under.
type Entry struct {
	cache.Entry

	Embedding  []float32 `json:"embedding"`
	BucketKey  string    `json:"bucket_key"`
	SourceText string    `json:"source_text"`
}

// Match is a retrieval result.
type Match struct {
	Entry      *Entry
	Similarity float64
}

// Filter selects entries for invalidation. Zero fields match everything.
type Filter struct {
	Model  string
	Before *time.Time
	After  *time.Time
}

func (f Filter) matches(entry *Entry) bool {
	if f.Model != "" && entry.Model != f.Model {
		return false
	}
	if f.Before != nil && !entry.GeneratedAt.Before(*f.Before) {
		return false
	}
	if f.After != nil && !entry.GeneratedAt.After(*f.After) {
		return false
	}
	return true
}

// Store keeps each (tenant, kind) window as a single stored object.
// Concurrent writers accept last-writer-wins on the window contents.
type Store struct {
	states   state.Manager
	logger   *zap.SugaredLogger
	clock    clock.Clock
	capacity int
}

func NewStore(states state.Manager, logger *zap.SugaredLogger) *Store {
	return newStoreWithClock(states, logger, clock.New(), DefaultCapacity)
}

func newStoreWithClock(states state.Manager, logger *zap.SugaredLogger, clk clock.Clock, capacity int) *Store {
	return &Store{states: states, logger: logger, clock: clk, capacity: capacity}
}

// Find scans the tenant's live entries whose bucket key matches and returns
// the most similar one at or above threshold. Ties on similarity go to the
// most recently generated entry.
func (s *Store) Find(ctx context.Context, tenantID string, kind fingerprint.Kind, bucketKey string, queryEmbedding []float32, threshold float64) (*Match, error) {
	entries, err := s.load(ctx, tenantID, kind)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var best *Match
	for _, entry := range entries {
		if entry.BucketKey != bucketKey || entry.Expired(now) {
			continue
		}
		similarity := CosineSimilarity(queryEmbedding, entry.Embedding)
		if similarity < threshold {
			continue
		}
		if best == nil ||
			similarity > best.Similarity ||
			(similarity == best.Similarity && entry.GeneratedAt.After(best.Entry.GeneratedAt)) {
			best = &Match{Entry: entry, Similarity: similarity}
		}
	}
	return best, nil
}

// Put writes the entry through and prunes the window: expired entries are
// dropped and the remainder is trimmed to the most recent capacity entries.
func (s *Store) Put(ctx context.Context, tenantID string, kind fingerprint.Kind, entry *Entry) error {
	entries, err := s.load(ctx, tenantID, kind)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	live := make([]*Entry, 0, len(entries)+1)
	for _, existing := range entries {
		if !existing.Expired(now) {
			live = append(live, existing)
		}
	}
	live = append(live, entry)

	// Newest first; everything beyond capacity is the oldest tail.
	sort.Slice(live, func(i, j int) bool {
		return live[i].GeneratedAt.After(live[j].GeneratedAt)
	})
	if len(live) > s.capacity {
		live = live[:s.capacity]
	}

	return s.save(ctx, tenantID, kind, live)
}

// Invalidate removes matching entries across both request kinds and returns
// the count removed.
func (s *Store) Invalidate(ctx context.Context, tenantID string, filter Filter) (int, error) {
	removed := 0
	for _, kind := range []fingerprint.Kind{fingerprint.KindChat, fingerprint.KindCompletion} {
		entries, err := s.load(ctx, tenantID, kind)
		if err != nil {
			return removed, err
		}
		kept := make([]*Entry, 0, len(entries))
		for _, entry := range entries {
			if filter.matches(entry) {
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) != len(entries) {
			if err := s.save(ctx, tenantID, kind, kept); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

// CleanupExpired drops expired entries for the tenant and returns the count
// removed.
func (s *Store) CleanupExpired(ctx context.Context, tenantID string) (int, error) {
	now := s.clock.Now()
	removed := 0
	for _, kind := range []fingerprint.Kind{fingerprint.KindChat, fingerprint.KindCompletion} {
		entries, err := s.load(ctx, tenantID, kind)
		if err != nil {
			return removed, err
		}
		kept := make([]*Entry, 0, len(entries))
		for _, entry := range entries {
			if entry.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) != len(entries) {
			if err := s.save(ctx, tenantID, kind, kept); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

// Size reports how many entries the tenant holds for the kind, live or not.
func (s *Store) Size(ctx context.Context, tenantID string, kind fingerprint.Kind) (int, error) {
	entries, err := s.load(ctx, tenantID, kind)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *Store) load(ctx context.Context, tenantID string, kind fingerprint.Kind) ([]*Entry, error) {
	raw, err := s.states.Get(ctx, fmt.Sprintf(bucketKeyFormat, tenantID, kind))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var entries []*Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warnw("corrupt semantic window, resetting", "tenant", tenantID, "kind", kind, "error", err)
		return nil, nil
	}
	return entries, nil
}

func (s *Store) save(ctx context.Context, tenantID string, kind fingerprint.Kind, entries []*Entry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to serialize semantic window: %v", err)
	}
	return s.states.Set(ctx, fmt.Sprintf(bucketKeyFormat, tenantID, kind), raw, 0)
}
