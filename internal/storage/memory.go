package storage

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/attanik/gatehouse/internal/clock"
)

// memoryEntry wraps a value with its expiry for TTL tracking.
type memoryEntry struct {
	value     json.RawMessage
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process adapter backed by a map. It is safe for
// concurrent use and intended for development and tests. Expired entries
// are deleted lazily on read and swept opportunistically on write.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	clock   clock.Clock

	// writes since the last sweep; a sweep runs every sweepEvery writes
	writes int
}

const sweepEvery = 256

// MemoryOption configures a Memory adapter.
type MemoryOption func(*Memory)

// WithClock injects a clock, letting tests control expiry.
func WithClock(c clock.Clock) MemoryOption {
	return func(m *Memory) {
		m.clock = c
	}
}

// NewMemory creates an empty in-memory adapter.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		clock:   clock.NewSystemClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get implements Adapter.
func (m *Memory) Get(_ context.Context, key []string) (json.RawMessage, bool, error) {
	k := JoinKey(key)
	now := m.clock.Now()

	m.mu.RLock()
	entry, ok := m.entries[k]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if entry.expired(now) {
		m.mu.Lock()
		// re-check: another writer may have replaced the entry
		if cur, ok := m.entries[k]; ok && cur.expired(now) {
			delete(m.entries, k)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set implements Adapter.
func (m *Memory) Set(_ context.Context, key []string, value json.RawMessage, ttl time.Duration) error {
	k := JoinKey(key)
	now := m.clock.Now()

	entry := &memoryEntry{value: append(json.RawMessage(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	m.entries[k] = entry
	m.writes++
	if m.writes >= sweepEvery {
		m.writes = 0
		for k, e := range m.entries {
			if e.expired(now) {
				delete(m.entries, k)
			}
		}
	}
	m.mu.Unlock()
	return nil
}

// Remove implements Adapter.
func (m *Memory) Remove(_ context.Context, key []string) error {
	m.mu.Lock()
	delete(m.entries, JoinKey(key))
	m.mu.Unlock()
	return nil
}

// Scan implements Adapter.
func (m *Memory) Scan(_ context.Context, prefix []string) ([]Entry, error) {
	joined := JoinKey(prefix)
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for k, entry := range m.entries {
		if entry.expired(now) {
			continue
		}
		if k != joined && !strings.HasPrefix(k, joined+Separator) {
			continue
		}
		out = append(out, Entry{
			Key:   SplitKey(k),
			Value: append(json.RawMessage(nil), entry.value...),
		})
	}
	return out, nil
}

var _ Adapter = (*Memory)(nil)
