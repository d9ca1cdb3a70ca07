package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/trustplane/pkg/audit"
	"github.com/veridian-labs/trustplane/pkg/canary"
	"github.com/veridian-labs/trustplane/pkg/policy"
	"github.com/veridian-labs/trustplane/pkg/signer"
)

type consumerFixture struct {
	reg     *policy.MemoryRegistry
	chain   *audit.Chain
	handler *Handler
}

func newConsumerFixture(t *testing.T) *consumerFixture {
	t.Helper()
	s, err := signer.NewEd25519Signer("test-key")
	require.NoError(t, err)
	reg := policy.NewMemoryRegistry()
	chain := audit.NewChain(audit.NewMemoryStore(), s)
	ctrl := canary.NewController(reg, chain)
	return &consumerFixture{
		reg:     reg,
		chain:   chain,
		handler: NewHandler(reg, policy.NewEvaluator(), chain, ctrl),
	}
}

func (f *consumerFixture) activateDenyPolicy(t *testing.T, name, action string) *policy.Policy {
	t.Helper()
	ctx := context.Background()
	p := &policy.Policy{
		Name:     name,
		Version:  1,
		Severity: policy.SeverityHigh,
		Rule:     json.RawMessage(`{"==":[{"var":"action"},"` + action + `"]}`),
		Metadata: policy.Metadata{Effect: policy.EffectDeny, CanaryPercent: 10},
	}
	require.NoError(t, f.reg.Create(ctx, p, "tester"))
	for _, s := range []policy.State{policy.StateSimulating, policy.StateCanary, policy.StateActive} {
		var err error
		p, err = f.reg.Transition(ctx, p.ID, s, "tester")
		require.NoError(t, err)
	}
	return p
}

func TestHandler_EmitsDecisionWithEvidenceRef(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()
	p := f.activateDenyPolicy(t, "deny-async", "kernel.async.event")

	source, err := f.chain.Append(ctx, "kernel.async.event", map[string]any{"foo": "bar"})
	require.NoError(t, err)
	require.NoError(t, f.handler.Handle(ctx, source))

	decisions, err := f.chain.Search(ctx, audit.SearchQuery{EventType: audit.TypePolicyDecision})
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	payload := decisions[0].Payload
	assert.Equal(t, p.ID, payload["policyId"])
	assert.Equal(t, "deny", payload["decision"])
	assert.Equal(t, []any{"audit:" + source.ID}, payload["evidence_refs"])
	assert.NotEmpty(t, payload["rationale"])
}

func TestHandler_NoMatchEmitsNothing(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()
	f.activateDenyPolicy(t, "deny-async", "kernel.async.event")

	source, err := f.chain.Append(ctx, "something.else", map[string]any{"foo": "bar"})
	require.NoError(t, err)
	require.NoError(t, f.handler.Handle(ctx, source))

	decisions, err := f.chain.Search(ctx, audit.SearchQuery{EventType: audit.TypePolicyDecision})
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestHandler_SkipsDecisionEvents(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()
	f.activateDenyPolicy(t, "deny-decisions", audit.TypePolicyDecision)

	ev := &audit.Event{ID: "ev-1", EventType: audit.TypePolicyDecision, Payload: map[string]any{}}
	require.NoError(t, f.handler.Handle(ctx, ev))

	decisions, err := f.chain.Search(ctx, audit.SearchQuery{EventType: audit.TypePolicyDecision})
	require.NoError(t, err)
	assert.Empty(t, decisions, "decision events must not feed back into evaluation")
}

type failingSource struct{}

func (failingSource) List(context.Context, ...policy.State) ([]*policy.Policy, error) {
	return nil, errors.New("registry down")
}

func TestConsumer_PollSkipsFailedEventsAndContinues(t *testing.T) {
	f := newConsumerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := f.activateDenyPolicy(t, "deny-async", "kernel.async.event")

	_, err := f.chain.Append(ctx, "kernel.async.event", map[string]any{"n": 1})
	require.NoError(t, err)

	c := New(f.handler, f.chain, nil, ModePoll,
		WithWorkers(2), WithBuffer(8), WithPollInterval(10*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		decisions, err := f.chain.Search(context.Background(),
			audit.SearchQuery{EventType: audit.TypePolicyDecision})
		return err == nil && len(decisions) == 1
	}, 2*time.Second, 10*time.Millisecond)

	decisions, err := f.chain.Search(context.Background(),
		audit.SearchQuery{EventType: audit.TypePolicyDecision})
	require.NoError(t, err)
	assert.Equal(t, p.ID, decisions[0].Payload["policyId"])

	// a second source event is picked up by the same running consumer
	_, err = f.chain.Append(ctx, "kernel.async.event", map[string]any{"n": 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		decisions, err := f.chain.Search(context.Background(),
			audit.SearchQuery{EventType: audit.TypePolicyDecision})
		return err == nil && len(decisions) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_HandlerErrorDoesNotStopRun(t *testing.T) {
	f := newConsumerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broken := NewHandler(failingSource{}, policy.NewEvaluator(), f.chain,
		canary.NewController(f.reg, f.chain))

	_, err := f.chain.Append(ctx, "kernel.async.event", map[string]any{"n": 1})
	require.NoError(t, err)

	c := New(broken, f.chain, nil, ModePoll, WithWorkers(1), WithPollInterval(10*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestShardFor_StableAndBounded(t *testing.T) {
	for _, subject := range []string{"a", "subject-1", "policy.updated", ""} {
		first := shardFor(subject, 4)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 4)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, shardFor(subject, 4))
		}
	}
}

func TestSubjectOf_PrefersPayloadSubject(t *testing.T) {
	ev := &audit.Event{EventType: "x.y", Payload: map[string]any{"subject": "artifact-7"}}
	assert.Equal(t, "artifact-7", subjectOf(ev))
	assert.Equal(t, "x.y", subjectOf(&audit.Event{EventType: "x.y", Payload: map[string]any{}}))
}
