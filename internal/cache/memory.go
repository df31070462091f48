package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/timvw/loopsmith/internal/model"
)

// Memory is an in-process Store. A TTL of 0 disables caching.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = oldest insertion
	ttl      time.Duration
	capacity int
	now      func() time.Time
	logger   *slog.Logger

	hits, misses, evictions int64
}

type memoryEntry struct {
	key      string
	resp     *model.EvaluationResponse
	storedAt time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// NewMemory creates an in-memory store. A capacity <= 0 uses DefaultCapacity.
func NewMemory(ttl time.Duration, capacity int, opts ...MemoryOption) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &Memory{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "cache", "backend", "memory")
	return m
}

// Get returns a copy of the entry for key if it is younger than the TTL.
// A stale entry is evicted and reported as a miss.
func (m *Memory) Get(_ context.Context, key string) (*model.EvaluationResponse, bool, error) {
	if m.ttl <= 0 {
		return nil, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false, nil
	}
	e := el.Value.(*memoryEntry)
	if m.now().Sub(e.storedAt) >= m.ttl {
		m.remove(el)
		m.misses++
		m.logger.Debug("evicted stale entry", "key", short(key), "age", m.now().Sub(e.storedAt))
		return nil, false, nil
	}
	m.hits++
	return asHit(e.resp), true, nil
}

// Put stores a copy of resp. Storing an existing key counts as a new
// insertion. When the store is full the oldest insertion is evicted.
func (m *Memory) Put(_ context.Context, key string, resp *model.EvaluationResponse) error {
	if m.ttl <= 0 || resp == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.remove(el)
	}
	for m.order.Len() >= m.capacity {
		oldest := m.order.Front()
		m.remove(oldest)
		m.evictions++
		m.logger.Debug("evicted oldest entry", "key", short(oldest.Value.(*memoryEntry).key))
	}
	m.entries[key] = m.order.PushBack(&memoryEntry{
		key:      key,
		resp:     resp.Clone(),
		storedAt: m.now(),
	})
	return nil
}

// Clear removes every entry.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*list.Element)
	m.order.Init()
	return nil
}

// Len returns the number of stored entries, stale ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Stats returns cache counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Entries:   m.order.Len(),
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
	}
}

func (m *Memory) remove(el *list.Element) {
	delete(m.entries, el.Value.(*memoryEntry).key)
	m.order.Remove(el)
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
