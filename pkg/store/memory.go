package store

import (
	"bytes"
	"sort"
	"sync"
)

// memoryKV is the in-memory storage core used by tests and ephemeral runs.
type memoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: map[string][]byte{}}
}

func (m *memoryKV) get(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (m *memoryKV) set(key, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.mu.Lock()
	m.data[string(key)] = stored
	m.mu.Unlock()
	return nil
}

func (m *memoryKV) del(key []byte) error {
	m.mu.Lock()
	delete(m.data, string(key))
	m.mu.Unlock()
	return nil
}

func (m *memoryKV) scan(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		m.mu.RLock()
		value, ok := m.data[k]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		cont, err := fn([]byte(k), value)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (m *memoryKV) close() error {
	return nil
}
