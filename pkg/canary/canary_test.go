package canary

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/trustplane/pkg/audit"
	"github.com/veridian-labs/trustplane/pkg/policy"
	"github.com/veridian-labs/trustplane/pkg/signer"
)

func newCanaryPolicy(t *testing.T, reg policy.Registry, percent float64) *policy.Policy {
	t.Helper()
	ctx := context.Background()
	p := &policy.Policy{
		Name:     "canary-under-test",
		Version:  1,
		Severity: policy.SeverityHigh,
		Rule:     json.RawMessage(`{"==":[{"var":"action"},"deploy"]}`),
		Metadata: policy.Metadata{Effect: policy.EffectDeny, CanaryPercent: percent},
	}
	require.NoError(t, reg.Create(ctx, p, "tester"))
	for _, s := range []policy.State{policy.StateSimulating, policy.StateCanary} {
		var err error
		p, err = reg.Transition(ctx, p.ID, s, "tester")
		require.NoError(t, err)
	}
	return p
}

func newTestChain(t *testing.T) *audit.Chain {
	t.Helper()
	s, err := signer.NewEd25519Signer("test-key")
	require.NoError(t, err)
	return audit.NewChain(audit.NewMemoryStore(), s)
}

// enforcedSample is an enforced decision with the given outcome.
func enforcedSample(denied bool) Sample {
	if denied {
		return Sample{Enforced: true, Allowed: false, Effect: policy.EffectDeny}
	}
	return Sample{Enforced: true, Allowed: true, Effect: policy.EffectAllow}
}

func TestShouldApply_Deterministic(t *testing.T) {
	reg := policy.NewMemoryRegistry()
	p := newCanaryPolicy(t, reg, 25)
	c := NewController(reg, newTestChain(t))

	first := c.ShouldApply(p, "req-42")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.ShouldApply(p, "req-42"), "same request must always land in the same bucket")
	}
}

func TestShouldApply_PercentBounds(t *testing.T) {
	reg := policy.NewMemoryRegistry()
	c := NewController(reg, newTestChain(t))

	full := newCanaryPolicy(t, reg, 100)
	for i := 0; i < 20; i++ {
		assert.True(t, c.ShouldApply(full, fmt.Sprintf("req-%d", i)))
	}
}

func TestShouldApply_SamplesRoughlyAtPercent(t *testing.T) {
	reg := policy.NewMemoryRegistry()
	p := newCanaryPolicy(t, reg, 30)
	c := NewController(reg, newTestChain(t))

	applied := 0
	const n = 2000
	for i := 0; i < n; i++ {
		if c.ShouldApply(p, fmt.Sprintf("req-%d", i)) {
			applied++
		}
	}
	rate := float64(applied) / n
	assert.InDelta(t, 0.30, rate, 0.05)
}

func TestShouldApply_ActiveAlwaysCanaryOnlySampled(t *testing.T) {
	reg := policy.NewMemoryRegistry()
	ctx := context.Background()
	p := newCanaryPolicy(t, reg, 1)
	c := NewController(reg, newTestChain(t))

	sampledOut := false
	for i := 0; i < 200 && !sampledOut; i++ {
		if !c.ShouldApply(p, fmt.Sprintf("req-%d", i)) {
			sampledOut = true
		}
	}
	assert.True(t, sampledOut, "a 1 percent canary must skip most requests")

	active, err := reg.Transition(ctx, p.ID, policy.StateActive, "tester")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		assert.True(t, c.ShouldApply(active, fmt.Sprintf("req-%d", i)))
	}
}

func TestRecordOutcome_RollsBackOverThreshold(t *testing.T) {
	reg := policy.NewMemoryRegistry()
	chain := newTestChain(t)
	ctx := context.Background()

	p := newCanaryPolicy(t, reg, 50)
	c := NewController(reg, chain, WithWindow(10), WithThreshold(0.3))

	// 4 enforced denies in a window of 10: 0.4 > 0.3.
	for i := 0; i < 10; i++ {
		c.RecordOutcome(ctx, p, enforcedSample(i < 4))
	}

	got, err := reg.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, policy.StateDeprecated, got.State)

	events, err := chain.Search(ctx, audit.SearchQuery{EventType: audit.TypeCanaryRollback})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, p.ID, events[0].Payload["policy_id"])
	assert.InDelta(t, 0.4, events[0].Payload["failure_rate"], 0.001)
	assert.True(t, c.InCooldown(p.ID))
}

func TestRecordOutcome_UnderThresholdKeepsCanary(t *testing.T) {
	reg := policy.NewMemoryRegistry()
	chain := newTestChain(t)
	ctx := context.Background()

	p := newCanaryPolicy(t, reg, 50)
	c := NewController(reg, chain, WithWindow(10), WithThreshold(0.3))

	// 2 enforced denies in a window of 10: 0.2 < 0.3.
	for i := 0; i < 10; i++ {
		c.RecordOutcome(ctx, p, enforcedSample(i < 2))
	}

	got, err := reg.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, policy.StateCanary, got.State)

	events, err := chain.Search(ctx, audit.SearchQuery{EventType: audit.TypeCanaryRollback})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecordOutcome_WindowThreeRollsBackOnMixedDenies(t *testing.T) {
	reg := policy.NewMemoryRegistry()
	chain := newTestChain(t)
	ctx := context.Background()

	p := newCanaryPolicy(t, reg, 50)
	c := NewController(reg, chain, WithWindow(3), WithThreshold(0.5))

	for _, denied := range []bool{true, false, true} {
		c.RecordOutcome(ctx, p, enforcedSample(denied))
	}

	got, err := reg.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, policy.StateDeprecated, got.State)

	events, err := chain.Search(ctx, audit.SearchQuery{EventType: audit.TypeCanaryRollback})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecordOutcome_ShadowSamplesDiluteDenyRate(t *testing.T) {
	reg := policy.NewMemoryRegistry()
	chain := newTestChain(t)
	ctx := context.Background()

	p := newCanaryPolicy(t, reg, 50)
	c := NewController(reg, chain, WithWindow(10), WithThreshold(0.3))

	// every match is a deny, but only 2 of 10 were enforced: 0.2 < 0.3
	for i := 0; i < 10; i++ {
		c.RecordOutcome(ctx, p, Sample{Enforced: i < 2, Allowed: false, Effect: policy.EffectDeny})
	}

	got, err := reg.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, policy.StateCanary, got.State)

	events, err := chain.Search(ctx, audit.SearchQuery{EventType: audit.TypeCanaryRollback})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecordOutcome_PartialWindowNeverTrips(t *testing.T) {
	reg := policy.NewMemoryRegistry()
	chain := newTestChain(t)
	ctx := context.Background()

	p := newCanaryPolicy(t, reg, 50)
	c := NewController(reg, chain, WithWindow(10), WithThreshold(0.3))

	// all denies, but fewer samples than the window
	for i := 0; i < 9; i++ {
		c.RecordOutcome(ctx, p, enforcedSample(true))
	}
	got, err := reg.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, policy.StateCanary, got.State)
}

func TestRecordOutcome_RollsBackOnlyOnce(t *testing.T) {
	reg := policy.NewMemoryRegistry()
	chain := newTestChain(t)
	ctx := context.Background()

	p := newCanaryPolicy(t, reg, 50)
	now := time.Now().UTC()
	c := NewController(reg, chain, WithWindow(10), WithThreshold(0.3),
		WithClock(func() time.Time { return now }))

	for i := 0; i < 40; i++ {
		c.RecordOutcome(ctx, p, enforcedSample(true))
	}

	events, err := chain.Search(ctx, audit.SearchQuery{EventType: audit.TypeCanaryRollback})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
