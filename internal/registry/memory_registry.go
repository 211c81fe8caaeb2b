package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/playcore/internal/session"
)

// MemoryRegistry is an in-process Registry for single-instance deployments
// and tests. Entries expire like their Redis counterparts.
type MemoryRegistry struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryRegistry{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
}

// lookup returns a live entry. Callers hold the lock.
func (m *MemoryRegistry) lookup(id string) (*memoryEntry, bool) {
	e, ok := m.entries[id]
	if !ok || !m.now().Before(e.expiresAt) {
		return nil, false
	}
	return e, true
}

func (m *MemoryRegistry) Register(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.lookup(entry.ID); ok {
		if existing.entry.Instance != entry.Instance {
			return fmt.Errorf("%w: %s is owned by %s", ErrSessionExists, entry.ID, existing.entry.Instance)
		}
		entry.CreatedAt = existing.entry.CreatedAt
	} else {
		entry.CreatedAt = now
	}
	entry.LastHeartbeat = now
	m.entries[entry.ID] = &memoryEntry{entry: *entry, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *MemoryRegistry) Unregister(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup(id)
	delete(m.entries, id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	entry := e.entry
	return &entry, nil
}

// List returns live sessions ordered by id and forgets expired ones.
func (m *MemoryRegistry) List(_ context.Context) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*Entry, 0, len(m.entries))
	for id := range m.entries {
		e, ok := m.lookup(id)
		if !ok {
			delete(m.entries, id)
			continue
		}
		entry := e.entry
		entries = append(entries, &entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (m *MemoryRegistry) Heartbeat(_ context.Context, id string, snap session.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	now := m.now()
	e.entry.Snapshot = snap
	e.entry.Status = StatusOf(snap)
	e.entry.LastHeartbeat = now
	e.expiresAt = now.Add(m.ttl)
	return nil
}

func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memoryEntry)
	return nil
}
