package cache

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process. It is the default when no Redis is
// configured and the store used in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	opts    options
}

func NewMemory(opts ...Option) *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), opts: buildOptions(opts)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if e.Expired(m.opts.now()) {
		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && cur.ExpiresAt.Equal(e.ExpiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, payload []byte, class TTLClass) error {
	e, _, err := newEntry(m.opts, key, payload, class)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
