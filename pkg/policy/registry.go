package policy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// ErrNotFound is returned for unknown policy ids.
var ErrNotFound = errors.New("policy: not found")

// Registry stores versioned policies. Every write lands a history row.
type Registry interface {
	Create(ctx context.Context, p *Policy, actor string) error
	Get(ctx context.Context, id string) (*Policy, error)
	List(ctx context.Context, states ...State) ([]*Policy, error)
	Update(ctx context.Context, p *Policy, actor string) error
	Transition(ctx context.Context, id string, to State, actor string) (*Policy, error)
	History(ctx context.Context, policyID string) ([]HistoryEntry, error)
}

// SortPolicies orders policies for evaluation: ascending severity, then
// name, then version. First match wins, so the order must be deterministic.
func SortPolicies(ps []*Policy) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Severity.Rank() != ps[j].Severity.Rank() {
			return ps[i].Severity.Rank() < ps[j].Severity.Rank()
		}
		if ps[i].Name != ps[j].Name {
			return ps[i].Name < ps[j].Name
		}
		return ps[i].Version < ps[j].Version
	})
}

// MemoryRegistry keeps policies in process memory for tests and the
// embedded mode.
type MemoryRegistry struct {
	mu       sync.RWMutex
	byID     map[string]*Policy
	history  map[string][]HistoryEntry
	clock    func() time.Time
}

// NewMemoryRegistry builds an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:    make(map[string]*Policy),
		history: make(map[string][]HistoryEntry),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRegistry) Create(_ context.Context, p *Policy, actor string) error {
	if err := p.Validate(StateDraft); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byID {
		if existing.Name == p.Name && existing.Version == p.Version {
			return errdefs.New(errdefs.KindConflict, "policy_exists",
				"policy "+p.Name+" already has this version")
		}
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := r.clock()
	p.State = StateDraft
	p.CreatedBy = actor
	p.CreatedAt = now
	p.UpdatedAt = now

	clone := *p
	r.byID[p.ID] = &clone
	r.recordLocked(p.ID, p.Version, actor, map[string]any{"op": "create", "state": string(StateDraft)})
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (r *MemoryRegistry) List(_ context.Context, states ...State) ([]*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	out := make([]*Policy, 0)
	for _, p := range r.byID {
		if len(states) == 0 || want[p.State] {
			clone := *p
			out = append(out, &clone)
		}
	}
	SortPolicies(out)
	return out, nil
}

func (r *MemoryRegistry) Update(_ context.Context, p *Policy, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[p.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.State != StateDraft {
		return errdefs.New(errdefs.KindConflict, "policy_frozen",
			"only draft policies may be edited; publish a new version instead")
	}
	if err := p.Validate(StateDraft); err != nil {
		return err
	}

	p.State = existing.State
	p.CreatedBy = existing.CreatedBy
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = r.clock()
	clone := *p
	r.byID[p.ID] = &clone
	r.recordLocked(p.ID, p.Version, actor, map[string]any{"op": "update"})
	return nil
}

func (r *MemoryRegistry) Transition(_ context.Context, id string, to State, actor string) (*Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(p.State, to) {
		return nil, errdefs.New(errdefs.KindConflict, "illegal_transition",
			string(p.State)+" → "+string(to)+" is not a legal policy transition")
	}
	if err := p.Validate(to); err != nil {
		return nil, err
	}

	// One active version per name: activating supersedes the previous
	// active version, which is deprecated in the same write.
	if to == StateActive {
		for _, other := range r.byID {
			if other.Name == p.Name && other.ID != p.ID && other.State == StateActive {
				other.State = StateDeprecated
				other.UpdatedAt = r.clock()
				r.recordLocked(other.ID, other.Version, actor,
					map[string]any{"op": "transition", "state": string(StateDeprecated), "superseded_by": p.ID})
			}
		}
	}

	p.State = to
	p.UpdatedAt = r.clock()
	r.recordLocked(p.ID, p.Version, actor, map[string]any{"op": "transition", "state": string(to)})
	clone := *p
	return &clone, nil
}

func (r *MemoryRegistry) History(_ context.Context, policyID string) ([]HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.history[policyID]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (r *MemoryRegistry) recordLocked(id string, version int, actor string, changes map[string]any) {
	r.history[id] = append(r.history[id], HistoryEntry{
		PolicyID: id,
		Version:  version,
		Changes:  changes,
		EditedBy: actor,
		EditedAt: r.clock(),
	})
}
