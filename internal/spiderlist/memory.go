package spiderlist

import (
	"context"
	"sync"
)

// MemoryBackend keeps cache entries in a map guarded by a RWMutex.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]map[string][]string
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]map[string][]string)}
}

// Get looks up project/version.
func (m *MemoryBackend) Get(_ context.Context, project, version string) ([]string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	units, ok := m.entries[project][version]
	return units, ok, nil
}

// Put stores units for project/version, overwriting any previous value.
func (m *MemoryBackend) Put(_ context.Context, project, version string, units []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.entries[project]
	if !ok {
		versions = make(map[string][]string)
		m.entries[project] = versions
	}
	versions[version] = units
	return nil
}

// Evict drops every version of the given projects.
func (m *MemoryBackend) Evict(_ context.Context, projects []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range projects {
		delete(m.entries, p)
	}
	return nil
}
