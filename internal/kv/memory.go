package kv

import (
	"sort"
	"strings"
	"sync"
)

// Memory is a map-backed Store with an optional byte ceiling. It is the
// default ephemeral medium and the backend tests run against.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]string
	maxBytes int64
	used     int64
}

// NewMemory returns a store limited to maxBytes. A non-positive limit
// means unbounded.
func NewMemory(maxBytes int64) *Memory {
	return &Memory{
		entries:  make(map[string]string),
		maxBytes: maxBytes,
	}
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing int64
	if old, ok := m.entries[key]; ok {
		existing = EstimateBytes(key, old)
	}
	next := m.used - existing + EstimateBytes(key, value)
	if m.maxBytes > 0 && next > m.maxBytes {
		return ErrQuotaExceeded
	}

	m.entries[key] = value
	m.used = next
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[key]; ok {
		m.used -= EstimateBytes(key, old)
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.entries))
	for key := range m.entries {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// UsedBytes reports the current byte estimate across all entries.
func (m *Memory) UsedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}
