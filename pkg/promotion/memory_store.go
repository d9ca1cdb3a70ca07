package promotion

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// MemoryStore keeps promotions in process memory for tests and the embedded
// mode.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Promotion
	byKey map[string]string
}

// NewMemoryStore builds an empty in-memory promotion store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Promotion),
		byKey: make(map[string]string),
	}
}

func clonePromotion(p *Promotion) *Promotion {
	raw, _ := json.Marshal(p)
	var out Promotion
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (s *MemoryStore) Create(_ context.Context, p *Promotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[p.IdempotencyKey]; ok {
		return errdefs.New(errdefs.KindConflict, "idempotency_key_exists",
			"promotion with this idempotency key already exists")
	}
	s.byID[p.ID] = clonePromotion(p)
	s.byKey[p.IdempotencyKey] = p.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePromotion(p), nil
}

func (s *MemoryStore) GetByKey(_ context.Context, idempotencyKey string) (*Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePromotion(s.byID[id]), nil
}

func (s *MemoryStore) Save(_ context.Context, p *Promotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; !ok {
		return ErrNotFound
	}
	s.byID[p.ID] = clonePromotion(p)
	return nil
}
