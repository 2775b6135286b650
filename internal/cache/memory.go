package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a process-local cache backend used in development and tests.
// Expired entries are dropped lazily on access and swept on writes.
type Memory struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	items    map[string]memoryEntry
	capacity int
}

// NewMemory creates an in-memory cache. The clock is injected so tests can
// expire entries without waiting.
func NewMemory(capacity int, clock clockwork.Clock) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:    clock,
		items:    make(map[string]memoryEntry, capacity),
		capacity: capacity,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	ent, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if now.After(ent.expiresAt) {
		delete(m.items, key)
		return nil, false, nil
	}

	val := make([]byte, len(ent.value))
	copy(val, ent.value)
	return val, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := m.clock.Now()

	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = memoryEntry{value: stored, expiresAt: now.Add(ttl)}
	m.sweep(now)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, key)
	return nil
}

// sweep drops expired entries, then arbitrary ones while over capacity.
func (m *Memory) sweep(now time.Time) {
	for key, ent := range m.items {
		if now.After(ent.expiresAt) {
			delete(m.items, key)
		}
	}
	for key := range m.items {
		if len(m.items) <= m.capacity {
			break
		}
		delete(m.items, key)
	}
}
