package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDraftPolicy(t *testing.T, reg Registry, name string) *Policy {
	t.Helper()
	p := &Policy{
		Name:     name,
		Version:  1,
		Severity: SeverityHigh,
		Rule:     json.RawMessage(`{"==":[{"var":"action"},"deploy"]}`),
		Metadata: Metadata{Effect: EffectDeny, CanaryPercent: 100},
	}
	require.NoError(t, reg.Create(context.Background(), p, "tester"))
	return p
}

func TestCache_PolicyUpdatedEventDropsEntries(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	newDraftPolicy(t, reg, "first")

	cache := NewCache(reg, time.Hour)
	list, err := cache.List(ctx, StateDraft)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// a direct write is invisible while the TTL holds
	newDraftPolicy(t, reg, "second")
	list, err = cache.List(ctx, StateDraft)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	cache.HandleAuditEvent("policy.updated")
	list, err = cache.List(ctx, StateDraft)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAuditedRegistry_NotifiesOnEveryWrite(t *testing.T) {
	var notified []map[string]any
	reg := NewAuditedRegistry(NewMemoryRegistry(), func(_ context.Context, payload map[string]any) error {
		notified = append(notified, payload)
		return nil
	})
	ctx := context.Background()

	p := newDraftPolicy(t, reg, "audited")
	require.Len(t, notified, 1)
	assert.Equal(t, "create", notified[0]["op"])
	assert.Equal(t, p.ID, notified[0]["policy_id"])

	_, err := reg.Transition(ctx, p.ID, StateSimulating, "tester")
	require.NoError(t, err)
	require.Len(t, notified, 2)
	assert.Equal(t, "transition", notified[1]["op"])
	assert.Equal(t, string(StateSimulating), notified[1]["state"])
}

func TestAuditedRegistry_NotifyErrorFailsTheWrite(t *testing.T) {
	reg := NewAuditedRegistry(NewMemoryRegistry(), func(context.Context, map[string]any) error {
		return assert.AnError
	})
	err := reg.Create(context.Background(), &Policy{
		Name:     "unadvertised",
		Version:  1,
		Severity: SeverityLow,
		Rule:     json.RawMessage(`{"==":[{"var":"action"},"x"]}`),
		Metadata: Metadata{Effect: EffectDeny},
	}, "tester")
	require.Error(t, err)
}
