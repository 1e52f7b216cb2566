package storage

import (
	"sort"
	"sync"

	"passfiles/internal/pf"
)

type contentKey struct {
	t       pf.Type
	id      int64
	version int
}

// MemoryStorage is an in-memory implementation of the pf.Storage interface.
// It is useful for testing and safe for concurrent use.
type MemoryStorage struct {
	lists   map[pf.Type][]pf.Snapshot
	content map[contentKey][]byte
	mu      sync.RWMutex
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		lists:   make(map[pf.Type][]pf.Snapshot),
		content: make(map[contentKey][]byte),
	}
}

func (m *MemoryStorage) LoadList(t pf.Type) ([]pf.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, ok := m.lists[t]
	if !ok {
		m.lists[t] = []pf.Snapshot{}
		return []pf.Snapshot{}, nil
	}
	out := make([]pf.Snapshot, len(list))
	copy(out, list)
	return out, nil
}

func (m *MemoryStorage) SaveList(t pf.Type, records []pf.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]pf.Snapshot, len(records))
	copy(list, records)
	m.lists[t] = list
	return nil
}

func (m *MemoryStorage) LoadContent(t pf.Type, id int64, version int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.content[contentKey{t, id, version}]
	if !ok {
		return nil, &pf.VersionNotFoundError{Type: t, ID: id, Version: version}
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStorage) SaveContent(t pf.Type, id int64, version int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.content[contentKey{t, id, version}] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) DeleteContent(t pf.Type, id int64, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.content {
		if k.t == t && k.id == id && (version == pf.AllVersions || k.version == version) {
			delete(m.content, k)
		}
	}
	return nil
}

func (m *MemoryStorage) GetVersions(t pf.Type, id int64) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var versions []int
	for k := range m.content {
		if k.t == t && k.id == id {
			versions = append(versions, k.version)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

// Compile-time check that MemoryStorage implements pf.Storage interface
var _ pf.Storage = (*MemoryStorage)(nil)
