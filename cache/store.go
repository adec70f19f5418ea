package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/state"
)

const (
	entryKeyFormat  = "watchllm:cache:resp:%s:%s"
	streamKeyFormat = "watchllm:cache:stream:%s:%s"
	indexKeyFormat  = "watchllm:cache:index:%s"
)

type entryKind string

const (
	kindJson   entryKind = "json"
	kindStream entryKind = "stream"
)

// indexRecord is the invalidation metadata kept per cached fingerprint. The
// per-tenant index is a single stored object; concurrent writers accept
// last-writer-wins.
type indexRecord struct {
	Kind      entryKind `json:"kind"`
	Model     string    `json:"model"`
	Endpoint  string    `json:"endpoint"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter selects index entries for invalidation. Zero fields match
// everything.
type Filter struct {
	Model    string
	Endpoint string
	Before   *time.Time
	After    *time.Time
}

func (f Filter) matches(record indexRecord) bool {
	if f.Model != "" && record.Model != f.Model {
		return false
	}
	if f.Endpoint != "" && record.Endpoint != f.Endpoint {
		return false
	}
	if f.Before != nil && !record.CreatedAt.Before(*f.Before) {
		return false
	}
	if f.After != nil && !record.CreatedAt.After(*f.After) {
		return false
	}
	return true
}

// Stats summarizes a tenant's cached entries.
type Stats struct {
	JsonEntries   int `json:"json_entries"`
	StreamEntries int `json:"stream_entries"`
}

// Store is the deterministic cache over the shared key-value store. A
// fingerprint names at most one entry per tenant.
type Store struct {
	states state.Manager
	logger *zap.SugaredLogger
	clock  clock.Clock
}

func NewStore(states state.Manager, logger *zap.SugaredLogger) *Store {
	return newStoreWithClock(states, logger, clock.New())
}

func newStoreWithClock(states state.Manager, logger *zap.SugaredLogger, clk clock.Clock) *Store {
	return &Store{states: states, logger: logger, clock: clk}
}

// Get returns the live entry for the fingerprint, or nil on miss or expiry.
func (s *Store) Get(ctx context.Context, tenantID string, fp string) (*Entry, error) {
	raw, err := s.states.Get(ctx, fmt.Sprintf(entryKeyFormat, tenantID, fp))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry for %s: %v", fp, err)
	}
	if entry.Expired(s.clock.Now()) {
		return nil, nil
	}
	return &entry, nil
}

// Put stores the entry under the fingerprint. ttl <= 0 with never=false means
// the entry is not cached at all; never=true stores it without expiry.
func (s *Store) Put(ctx context.Context, tenantID string, fp string, entry *Entry, endpoint string, ttl time.Duration, never bool) error {
	if !never && ttl <= 0 {
		return nil
	}
	if never {
		entry.ExpiresAt = nil
	} else {
		expiresAt := entry.GeneratedAt.Add(ttl)
		entry.ExpiresAt = &expiresAt
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize cache entry: %v", err)
	}
	storeTTL := ttl
	if never {
		storeTTL = 0
	}
	if err := s.states.Set(ctx, fmt.Sprintf(entryKeyFormat, tenantID, fp), raw, storeTTL); err != nil {
		return err
	}
	s.updateIndex(ctx, tenantID, fp, indexRecord{
		Kind:      kindJson,
		Model:     entry.Model,
		Endpoint:  endpoint,
		CreatedAt: entry.GeneratedAt,
	})
	return nil
}

// GetStream returns the live transcript for the fingerprint, or nil.
func (s *Store) GetStream(ctx context.Context, tenantID string, fp string) (*StreamEntry, error) {
	raw, err := s.states.Get(ctx, fmt.Sprintf(streamKeyFormat, tenantID, fp))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var entry StreamEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("corrupt stream entry for %s: %v", fp, err)
	}
	if !entry.Complete || entry.Expired(s.clock.Now()) {
		return nil, nil
	}
	return &entry, nil
}

// PutStream stores a streamed transcript under the fingerprint.
func (s *Store) PutStream(ctx context.Context, tenantID string, fp string, entry *StreamEntry, endpoint string, ttl time.Duration, never bool) error {
	if !never && ttl <= 0 {
		return nil
	}
	if never {
		entry.ExpiresAt = nil
	} else {
		expiresAt := entry.GeneratedAt.Add(ttl)
		entry.ExpiresAt = &expiresAt
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize stream entry: %v", err)
	}
	storeTTL := ttl
	if never {
		storeTTL = 0
	}
	if err := s.states.Set(ctx, fmt.Sprintf(streamKeyFormat, tenantID, fp), raw, storeTTL); err != nil {
		return err
	}
	s.updateIndex(ctx, tenantID, fp, indexRecord{
		Kind:      kindStream,
		Model:     entry.Model,
		Endpoint:  endpoint,
		CreatedAt: entry.GeneratedAt,
	})
	return nil
}

// Invalidate removes entries matching the filter and returns how many were
// dropped. Expired entries matching the filter count too.
func (s *Store) Invalidate(ctx context.Context, tenantID string, filter Filter) (int, error) {
	index, err := s.loadIndex(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for fp, record := range index {
		if !filter.matches(record) {
			continue
		}
		if err := s.states.Delete(ctx, s.entryKey(tenantID, fp, record.Kind)); err != nil {
			s.logger.Warnw("failed to delete cache entry", "fingerprint", fp, "error", err)
			continue
		}
		delete(index, fp)
		removed++
	}
	if removed > 0 {
		s.saveIndex(ctx, tenantID, index)
	}
	return removed, nil
}

// CleanupExpired prunes index records whose entries have already expired out
// of the store.
func (s *Store) CleanupExpired(ctx context.Context, tenantID string) (int, error) {
	index, err := s.loadIndex(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for fp, record := range index {
		raw, err := s.states.Get(ctx, s.entryKey(tenantID, fp, record.Kind))
		if err != nil {
			continue
		}
		if raw == nil {
			delete(index, fp)
			removed++
		}
	}
	if removed > 0 {
		s.saveIndex(ctx, tenantID, index)
	}
	return removed, nil
}

// Stats reports how many live entries the tenant has per kind.
func (s *Store) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	index, err := s.loadIndex(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	stats := &Stats{}
	for fp, record := range index {
		raw, err := s.states.Get(ctx, s.entryKey(tenantID, fp, record.Kind))
		if err != nil || raw == nil {
			continue
		}
		if record.Kind == kindStream {
			stats.StreamEntries++
		} else {
			stats.JsonEntries++
		}
	}
	return stats, nil
}

func (s *Store) entryKey(tenantID string, fp string, kind entryKind) string {
	if kind == kindStream {
		return fmt.Sprintf(streamKeyFormat, tenantID, fp)
	}
	return fmt.Sprintf(entryKeyFormat, tenantID, fp)
}

func (s *Store) loadIndex(ctx context.Context, tenantID string) (map[string]indexRecord, error) {
	raw, err := s.states.Get(ctx, fmt.Sprintf(indexKeyFormat, tenantID))
	if err != nil {
		return nil, err
	}
	index := make(map[string]indexRecord)
	if raw == nil {
		return index, nil
	}
	if err := json.Unmarshal(raw, &index); err != nil {
		s.logger.Warnw("corrupt cache index, rebuilding", "tenant", tenantID, "error", err)
		return make(map[string]indexRecord), nil
	}
	return index, nil
}

func (s *Store) saveIndex(ctx context.Context, tenantID string, index map[string]indexRecord) {
	raw, err := json.Marshal(index)
	if err != nil {
		s.logger.Warnw("failed to serialize cache index", "tenant", tenantID, "error", err)
		return
	}
	if err := s.states.Set(ctx, fmt.Sprintf(indexKeyFormat, tenantID), raw, 0); err != nil {
		s.logger.Warnw("failed to save cache index", "tenant", tenantID, "error", err)
	}
}

func (s *Store) updateIndex(ctx context.Context, tenantID string, fp string, record indexRecord) {
	index, err := s.loadIndex(ctx, tenantID)
	if err != nil {
		s.logger.Warnw("failed to load cache index", "tenant", tenantID, "error", err)
		return
	}
	index[fp] = record
	s.saveIndex(ctx, tenantID, index)
}
