package state

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kaadipranav/watchllm/utils/heap"
)

// New field costs: bool=1 intX=X/8 (e.g., int16=2) string=16 []byte=24 ptr=8
// key (16) + value (24) + expiry (8) + lastReadAt (8) + readCount (8) +
// Map/GC overhead (64) = 128
const entryOverhead = 128

// If any fields are changed, update entryOverhead.
type memoryEntry struct {
	key string

	// Byte representation of the stored value.
	value []byte

	// Expiry time in unix nanoseconds. Zero means no expiry.
	expiry int64

	// Last read time in unix nanoseconds.
	lastReadAt int64

	// Number of times the entry has been read. Starts from 1.
	readCount int64
}

func (e *memoryEntry) expired(now int64) bool {
	return e.expiry != 0 && e.expiry <= now
}

// MemoryManager is the standalone Manager: a single-process stand-in for
// Valkey. SetNX is atomic under the entry lock, which is all the coalescer
// needs when every replica shares the process.
type MemoryManager struct {
	// Any string key -> entry
	entries map[string]*memoryEntry

	// Priority queue over entries, ordered by a combination of read count and
	// last read time, consulted when the value budget is exceeded.
	entryHeap *heap.MinHeap[*memoryEntry]
	entryMu   sync.Mutex

	// Hash key -> field -> value. Hashes carry the small coalescing and usage
	// counters, so they are exempt from the byte budget.
	hashes map[string]map[string][]byte
	hashMu sync.Mutex

	// Maximum size of all stored values in bytes. When exceeded, the least
	// frequently used and oldest entries are removed first.
	maxBytes int64

	// Current size of the stored values in bytes.
	usage int64

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewMemoryManager(maxBytes int64) (*MemoryManager, func()) {
	return newMemoryManagerWithClock(maxBytes, clock.New())
}

func newMemoryManagerWithClock(maxBytes int64, clk clock.Clock) (*MemoryManager, func()) {
	m := &MemoryManager{
		entries:  make(map[string]*memoryEntry),
		hashes:   make(map[string]map[string][]byte),
		maxBytes: maxBytes,
		clock:    clk,
	}

	// Less frequently used entries, and older entries, are at the top.
	m.entryHeap = heap.NewMinHeap(func(a *memoryEntry, b *memoryEntry) bool {
		if a.readCount != b.readCount {
			return a.readCount < b.readCount
		}
		if a.lastReadAt != b.lastReadAt {
			return a.lastReadAt < b.lastReadAt
		}
		return a.key < b.key
	})

	stop := m.startCleanup(5 * time.Minute)
	return m, stop
}

func (m *MemoryManager) Get(ctx context.Context, key string) ([]byte, error) {
	m.entryMu.Lock()
	defer m.entryMu.Unlock()

	entry, exists := m.entries[key]
	if !exists {
		return nil, nil
	}

	now := m.clock.Now().UnixNano()
	if entry.expired(now) {
		// Expired entries must read as absent: coalescer leases and rate
		// windows rely on it.
		m.remove(entry)
		return nil, nil
	}

	entry.lastReadAt = now
	entry.readCount++
	m.entryHeap.Update(entry)
	return entry.value, nil
}

func (m *MemoryManager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.entryMu.Lock()
	defer m.entryMu.Unlock()
	return m.set(key, value, ttl)
}

func (m *MemoryManager) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.entryMu.Lock()
	defer m.entryMu.Unlock()

	now := m.clock.Now().UnixNano()
	if existing, exists := m.entries[key]; exists {
		if !existing.expired(now) {
			return false, nil
		}
		m.remove(existing)
	}
	if err := m.set(key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryManager) Delete(ctx context.Context, key string) error {
	m.entryMu.Lock()
	if entry, exists := m.entries[key]; exists {
		m.remove(entry)
	}
	m.entryMu.Unlock()

	m.hashMu.Lock()
	delete(m.hashes, key)
	m.hashMu.Unlock()
	return nil
}

func (m *MemoryManager) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.entryMu.Lock()
	defer m.entryMu.Unlock()

	entry, exists := m.entries[key]
	if !exists {
		return nil
	}
	if ttl <= 0 {
		entry.expiry = 0
		return nil
	}
	entry.expiry = m.clock.Now().Add(ttl).UnixNano()
	return nil
}

func (m *MemoryManager) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return m.IncrementBy(ctx, key, 1, ttl)
}

func (m *MemoryManager) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.entryMu.Lock()
	defer m.entryMu.Unlock()

	now := m.clock.Now().UnixNano()
	current := int64(0)
	created := true
	if entry, exists := m.entries[key]; exists && !entry.expired(now) {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %q is not an integer: %v", key, err)
		}
		current = parsed
		created = false
	}

	current += delta
	value := []byte(strconv.FormatInt(current, 10))
	if created {
		if err := m.set(key, value, ttl); err != nil {
			return 0, err
		}
	} else {
		// Keep the existing window expiry.
		entry := m.entries[key]
		m.usage += int64(len(value)) - int64(len(entry.value))
		entry.value = value
	}
	return current, nil
}

func (m *MemoryManager) HGet(ctx context.Context, key string, field string) ([]byte, error) {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()

	fields, exists := m.hashes[key]
	if !exists {
		return nil, nil
	}
	value, exists := fields[field]
	if !exists {
		return nil, nil
	}
	return value, nil
}

func (m *MemoryManager) HSet(ctx context.Context, key string, field string, value []byte) error {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()

	fields, exists := m.hashes[key]
	if !exists {
		fields = make(map[string][]byte)
		m.hashes[key] = fields
	}
	fields[field] = value
	return nil
}

func (m *MemoryManager) HIncrBy(ctx context.Context, key string, field string, delta int64) (int64, error) {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()

	fields, exists := m.hashes[key]
	if !exists {
		fields = make(map[string][]byte)
		m.hashes[key] = fields
	}

	current := int64(0)
	if raw, exists := fields[field]; exists {
		parsed, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hash field %q.%q is not an integer: %v", key, field, err)
		}
		current = parsed
	}
	current += delta
	fields[field] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

// set installs an entry; the caller holds entryMu.
func (m *MemoryManager) set(key string, value []byte, ttl time.Duration) error {
	sizeToAdd := entrySize(key, value)
	exceeding := m.usage + sizeToAdd - m.maxBytes
	if exceeding > 0 {
		if err := m.evict(exceeding); err != nil {
			return fmt.Errorf("failed to evict entries: %v", err)
		}
	}

	now := m.clock.Now().UnixNano()
	entry := &memoryEntry{
		key:        key,
		value:      value,
		lastReadAt: now,
		readCount:  1,
	}
	if ttl > 0 {
		entry.expiry = now + ttl.Nanoseconds()
	}

	if existing, exists := m.entries[key]; exists {
		m.remove(existing)
	}

	m.entries[key] = entry
	m.entryHeap.Push(entry)
	m.usage += sizeToAdd
	return nil
}

func (m *MemoryManager) remove(entry *memoryEntry) {
	delete(m.entries, entry.key)
	m.entryHeap.Remove(entry)
	m.usage -= entrySize(entry.key, entry.value)
}

func (m *MemoryManager) evict(sizeInBytes int64) error {
	bytesFreed := int64(0)
	for bytesFreed < sizeInBytes {
		entry, ok := m.entryHeap.Pop()
		if !ok {
			return fmt.Errorf("failed to free enough space")
		}
		bytesFreed += entrySize(entry.key, entry.value)
		delete(m.entries, entry.key)
	}
	m.usage -= bytesFreed
	return nil
}

func entrySize(key string, value []byte) int64 {
	return entryOverhead + int64(len(key)+len(value))
}

func (m *MemoryManager) cleanup() {
	now := m.clock.Now().UnixNano()

	m.entryMu.Lock()
	var expired []*memoryEntry
	for _, entry := range m.entries {
		if entry.expired(now) {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		m.remove(entry)
	}
	m.entryMu.Unlock()
}

func (m *MemoryManager) startCleanup(interval time.Duration) func() {
	ticker := m.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
