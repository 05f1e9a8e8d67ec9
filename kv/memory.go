package kv

import (
	"context"
	"sync"

	"github.com/reglet-dev/filament-host/domain/ports"
)

// MemoryBackend keeps every namespace in process memory.
type MemoryBackend struct {
	data map[string]map[string][]byte
	mu   sync.RWMutex
}

var _ ports.KVBackend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, ns, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[ns][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, ns, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(ns, key, value)
	return nil
}

func (m *MemoryBackend) SetNX(_ context.Context, ns, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[ns][key]; ok {
		return false, nil
	}
	m.setLocked(ns, key, value)
	return true, nil
}

func (m *MemoryBackend) setLocked(ns, key string, value []byte) {
	space, ok := m.data[ns]
	if !ok {
		space = make(map[string][]byte)
		m.data[ns] = space
	}
	space[key] = append([]byte(nil), value...)
}

func (m *MemoryBackend) Delete(_ context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
	return nil
}

func (m *MemoryBackend) Dump(_ context.Context, ns string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.data[ns]))
	for k, v := range m.data[ns] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MemoryBackend) ReplaceNamespace(_ context.Context, ns string, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(entries) == 0 {
		delete(m.data, ns)
		return nil
	}
	space := make(map[string][]byte, len(entries))
	for k, v := range entries {
		space[k] = append([]byte(nil), v...)
	}
	m.data[ns] = space
	return nil
}
