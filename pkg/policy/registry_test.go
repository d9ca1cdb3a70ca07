package policy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func draftPolicy(name string, version int) *Policy {
	return &Policy{
		Name:     name,
		Version:  version,
		Severity: SeverityMedium,
		Rule:     json.RawMessage(`{"==":[{"var":"action"},"x"]}`),
		Metadata: Metadata{Effect: EffectDeny, CanaryPercent: 10},
	}
}

func promote(t *testing.T, r Registry, id string, states ...State) *Policy {
	t.Helper()
	var p *Policy
	var err error
	for _, s := range states {
		p, err = r.Transition(context.Background(), id, s, "tester")
		require.NoError(t, err)
	}
	return p
}

func TestMemoryRegistry_CreateAndUniqueness(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	p := draftPolicy("p1", 1)
	require.NoError(t, r.Create(ctx, p, "alice"))
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, StateDraft, p.State)

	dup := draftPolicy("p1", 1)
	require.Error(t, r.Create(ctx, dup, "alice"))

	v2 := draftPolicy("p1", 2)
	require.NoError(t, r.Create(ctx, v2, "alice"))
}

func TestRegistry_TransitionsMonotonic(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	p := draftPolicy("p1", 1)
	require.NoError(t, r.Create(ctx, p, "alice"))

	// draft cannot jump straight to active
	_, err := r.Transition(ctx, p.ID, StateActive, "alice")
	require.Error(t, err)

	got := promote(t, r, p.ID, StateSimulating, StateCanary, StateActive)
	assert.Equal(t, StateActive, got.State)

	// active cannot go back
	_, err = r.Transition(ctx, p.ID, StateCanary, "alice")
	require.Error(t, err)

	got = promote(t, r, p.ID, StateDeprecated)
	assert.Equal(t, StateDeprecated, got.State)
}

func TestRegistry_CanaryMayDeprecate(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	p := draftPolicy("p1", 1)
	require.NoError(t, r.Create(ctx, p, "alice"))
	got := promote(t, r, p.ID, StateSimulating, StateCanary, StateDeprecated)
	assert.Equal(t, StateDeprecated, got.State)
}

func TestRegistry_ActivationRequiresEffect(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	p := draftPolicy("p1", 1)
	p.Metadata.Effect = ""
	require.NoError(t, r.Create(ctx, p, "alice"))
	promote(t, r, p.ID, StateSimulating, StateCanary)

	_, err := r.Transition(ctx, p.ID, StateActive, "alice")
	require.Error(t, err, "activation without metadata.effect must be rejected")
}

func TestRegistry_SingleActiveVersionPerName(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	v1 := draftPolicy("p1", 1)
	require.NoError(t, r.Create(ctx, v1, "alice"))
	promote(t, r, v1.ID, StateSimulating, StateCanary, StateActive)

	v2 := draftPolicy("p1", 2)
	require.NoError(t, r.Create(ctx, v2, "alice"))
	promote(t, r, v2.ID, StateSimulating, StateCanary, StateActive)

	actives, err := r.List(ctx, StateActive)
	require.NoError(t, err)
	require.Len(t, actives, 1)
	assert.Equal(t, 2, actives[0].Version)

	old, err := r.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeprecated, old.State)
}

func TestRegistry_HistoryRecordsEveryWrite(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	p := draftPolicy("p1", 1)
	require.NoError(t, r.Create(ctx, p, "alice"))
	p.Severity = SeverityHigh
	require.NoError(t, r.Update(ctx, p, "bob"))
	promote(t, r, p.ID, StateSimulating)

	history, err := r.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "alice", history[0].EditedBy)
	assert.Equal(t, "bob", history[1].EditedBy)
	assert.Equal(t, "create", history[0].Changes["op"])
}

func TestRegistry_UpdateFrozenOutsideDraft(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	p := draftPolicy("p1", 1)
	require.NoError(t, r.Create(ctx, p, "alice"))
	promote(t, r, p.ID, StateSimulating)

	p.Severity = SeverityCritical
	require.Error(t, r.Update(ctx, p, "alice"))
}

func TestRegistry_ListDeterministicOrder(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	mk := func(name string, version int, sev Severity) {
		p := draftPolicy(name, version)
		p.Severity = sev
		require.NoError(t, r.Create(ctx, p, "alice"))
	}
	mk("zeta", 1, SeverityLow)
	mk("alpha", 1, SeverityCritical)
	mk("alpha", 2, SeverityLow)
	mk("beta", 1, SeverityLow)

	got, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 4)

	// ascending severity, then name, then version
	assert.Equal(t, "alpha", got[0].Name)
	assert.Equal(t, 2, got[0].Version)
	assert.Equal(t, "beta", got[1].Name)
	assert.Equal(t, "zeta", got[2].Name)
	assert.Equal(t, SeverityCritical, got[3].Severity)
}

func TestCache_ServesFreshAndInvalidates(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	p := draftPolicy("p1", 1)
	require.NoError(t, r.Create(ctx, p, "alice"))

	c := NewCache(r, 0) // zero TTL forces reload unless served within same instant
	got, err := c.List(ctx, StateDraft)
	require.NoError(t, err)
	require.Len(t, got, 1)

	c2 := NewCache(r, 0)
	c2.Invalidate()
	got, err = c2.List(ctx, StateDraft)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestCELBackend_Evaluate(t *testing.T) {
	b, err := NewCELBackend()
	require.NoError(t, err)

	p := draftPolicy("cel-1", 1)
	p.Metadata.CELSource = `action == "promote" && actor["id"] == "svc-eval"`
	require.True(t, b.Supports(p))

	res := b.Evaluate(p, &EvalContext{Action: "promote", Actor: map[string]any{"id": "svc-eval"}})
	assert.True(t, res.Match)
	assert.Equal(t, EffectDeny, res.Effect)

	res = b.Evaluate(p, &EvalContext{Action: "promote", Actor: map[string]any{"id": "other"}})
	assert.False(t, res.Match)
}
