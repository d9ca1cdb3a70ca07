package multisig

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// MemoryStore keeps manifests in process memory for tests and the embedded
// mode.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*UpgradeManifest
}

// NewMemoryStore builds an empty in-memory manifest store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*UpgradeManifest)}
}

func cloneManifest(m *UpgradeManifest) *UpgradeManifest {
	raw, _ := json.Marshal(m)
	var out UpgradeManifest
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (s *MemoryStore) Create(_ context.Context, m *UpgradeManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return errdefs.New(errdefs.KindConflict, "manifest_exists", "manifest id already exists")
	}
	s.byID[m.ID] = cloneManifest(m)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*UpgradeManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneManifest(m), nil
}

func (s *MemoryStore) Save(_ context.Context, m *UpgradeManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; !ok {
		return ErrNotFound
	}
	s.byID[m.ID] = cloneManifest(m)
	return nil
}

func (s *MemoryStore) List(_ context.Context, states ...ManifestState) ([]*UpgradeManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[ManifestState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	out := make([]*UpgradeManifest, 0)
	for _, m := range s.byID {
		if len(states) == 0 || want[m.State] {
			out = append(out, cloneManifest(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) AppliedForEntity(_ context.Context, entity string) (*UpgradeManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.byID {
		if m.State == StateApplied && m.Entity() == entity {
			return cloneManifest(m), nil
		}
	}
	return nil, nil
}
