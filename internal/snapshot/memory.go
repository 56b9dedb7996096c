package snapshot

import (
	"context"
	"sync"
	"time"
)

// memoryKV is an in-memory kv with TTL support. Suitable for testing and
// single-instance deployments.
type memoryKV struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an in-memory session state store.
func NewMemoryStore(ttls TTLs) Store {
	return newKVStore(&memoryKV{entries: make(map[string]memEntry)}, ttls)
}

func memKey(field, key string) string {
	return field + "\x00" + key
}

func (m *memoryKV) put(_ context.Context, field, key string, value []byte, ttl time.Duration) error {
	entry := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[memKey(field, key)] = entry
	m.mu.Unlock()
	return nil
}

func (m *memoryKV) get(_ context.Context, field, key string) ([]byte, bool, error) {
	k := memKey(field, key)

	m.mu.RLock()
	entry, ok := m.entries[k]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, k)
		m.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (m *memoryKV) del(_ context.Context, field, key string) error {
	m.mu.Lock()
	delete(m.entries, memKey(field, key))
	m.mu.Unlock()
	return nil
}
