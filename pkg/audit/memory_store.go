package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps the chain in process memory. It backs tests and the
// embedded single-process mode; the tail lock collapses to the store mutex.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []*Event
	byID     map[string]*Event
	byHash   map[string]*Event
	tailHash string
	seq      uint64
}

// NewMemoryStore builds an empty in-memory chain store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Event),
		byHash: make(map[string]*Event),
	}
}

func (m *MemoryStore) Append(_ context.Context, build BuildFunc) (*Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, err := build(m.tailHash)
	if err != nil {
		return nil, false, err
	}
	if existing, ok := m.byHash[ev.Hash]; ok {
		return existing, false, nil
	}

	m.seq++
	ev.Seq = m.seq
	m.events = append(m.events, ev)
	m.byID[ev.ID] = ev
	m.byHash[ev.Hash] = ev
	m.tailHash = ev.Hash
	return ev, true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ev, nil
}

func (m *MemoryStore) GetByHash(_ context.Context, hash string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return ev, nil
}

func (m *MemoryStore) Tail(_ context.Context) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return nil, ErrNotFound
	}
	return m.events[len(m.events)-1], nil
}

func (m *MemoryStore) Search(_ context.Context, q SearchQuery) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, 0)
	for _, ev := range m.events {
		if ev.Seq <= q.AfterSeq {
			continue
		}
		if !q.TimeMin.IsZero() && ev.TS.Before(q.TimeMin) {
			continue
		}
		if q.EventType != "" && ev.EventType != q.EventType {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Size returns the number of committed events.
func (m *MemoryStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
