package policy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalRule(t *testing.T, rule string, ctx *EvalContext) any {
	t.Helper()
	r, err := ParseRule(json.RawMessage(rule))
	require.NoError(t, err)
	v, err := r.eval(ctx)
	require.NoError(t, err)
	return v
}

func TestRule_Equality(t *testing.T) {
	ctx := &EvalContext{Action: "kernel.async.event"}

	assert.Equal(t, true, evalRule(t, `{"==":[{"var":"action"},"kernel.async.event"]}`, ctx))
	assert.Equal(t, false, evalRule(t, `{"==":[{"var":"action"},"other"]}`, ctx))
	assert.Equal(t, true, evalRule(t, `{"!=":[{"var":"action"},"other"]}`, ctx))
}

func TestRule_NumericComparison(t *testing.T) {
	ctx := &EvalContext{Context: map[string]any{"score": 0.75, "count": 3}}

	assert.Equal(t, true, evalRule(t, `{"<":[{"var":"context.score"},0.8]}`, ctx))
	assert.Equal(t, false, evalRule(t, `{">=":[{"var":"context.score"},0.8]}`, ctx))
	assert.Equal(t, true, evalRule(t, `{">":[{"var":"context.count"},2]}`, ctx))
	assert.Equal(t, true, evalRule(t, `{"<=":[{"var":"context.count"},3]}`, ctx))
}

func TestRule_BoolOperators(t *testing.T) {
	ctx := &EvalContext{
		Action: "promote",
		Actor:  map[string]any{"id": "svc-eval"},
	}

	assert.Equal(t, true, evalRule(t,
		`{"and":[{"==":[{"var":"action"},"promote"]},{"==":[{"var":"actor.id"},"svc-eval"]}]}`, ctx))
	assert.Equal(t, false, evalRule(t,
		`{"and":[{"==":[{"var":"action"},"promote"]},{"==":[{"var":"actor.id"},"other"]}]}`, ctx))
	assert.Equal(t, true, evalRule(t,
		`{"or":[{"==":[{"var":"action"},"nope"]},{"==":[{"var":"actor.id"},"svc-eval"]}]}`, ctx))
	assert.Equal(t, true, evalRule(t, `{"not":{"==":[{"var":"action"},"nope"]}}`, ctx))
	assert.Equal(t, false, evalRule(t, `{"not":[{"==":[{"var":"action"},"promote"]}]}`, ctx))
}

func TestRule_InAndRegex(t *testing.T) {
	ctx := &EvalContext{
		Resource: map[string]any{"pool": "gpu-east", "name": "model-v3.2"},
	}

	assert.Equal(t, true, evalRule(t, `{"in":[{"var":"resource.pool"},["gpu-east","gpu-west"]]}`, ctx))
	assert.Equal(t, false, evalRule(t, `{"in":[{"var":"resource.pool"},["cpu-east"]]}`, ctx))
	assert.Equal(t, true, evalRule(t, `{"regex":[{"var":"resource.name"},"^model-v\\d+"]}`, ctx))
	assert.Equal(t, false, evalRule(t, `{"regex":[{"var":"resource.name"},"^dataset-"]}`, ctx))
}

func TestRule_PrincipalAliasesActor(t *testing.T) {
	ctx := &EvalContext{Actor: map[string]any{"id": "user-1"}}
	assert.Equal(t, true, evalRule(t, `{"==":[{"var":"principal.id"},"user-1"]}`, ctx))
}

func TestRule_MissingPathResolvesNil(t *testing.T) {
	ctx := &EvalContext{}
	assert.Equal(t, false, evalRule(t, `{"==":[{"var":"actor.missing.deep"},"x"]}`, ctx))
}

func TestRule_ParseErrors(t *testing.T) {
	for _, raw := range []string{
		`{"unknown":[1,2]}`,
		`{"==":[1]}`,
		`{"and":[]}`,
		`{"var":42}`,
		`{"regex":[{"var":"action"},"["]}`,
		`{"==":[1,2],"!=":[1,2]}`,
	} {
		_, err := ParseRule(json.RawMessage(raw))
		require.Error(t, err, "rule %s should not parse", raw)
	}
}

func TestRule_EvaluationDeterministicAndFast(t *testing.T) {
	rule := `{"and":[
		{"==":[{"var":"action"},"kernel.async.event"]},
		{">":[{"var":"context.score"},0.5]},
		{"in":[{"var":"actor.id"},["a","b","c"]]}
	]}`
	parsed, err := ParseRule(json.RawMessage(rule))
	require.NoError(t, err)

	ctx := &EvalContext{
		Action:  "kernel.async.event",
		Actor:   map[string]any{"id": "b"},
		Context: map[string]any{"score": 0.9},
	}

	start := time.Now()
	const n = 1000
	for i := 0; i < n; i++ {
		v, err := parsed.eval(ctx)
		require.NoError(t, err)
		require.Equal(t, true, v)
	}
	perEval := time.Since(start) / n
	assert.Less(t, perEval, time.Millisecond, "evaluation must be sub-millisecond")
}

func TestEvaluator_MatchUsesMetadataEffect(t *testing.T) {
	e := NewEvaluator()
	p := &Policy{
		Name: "deny-async", Version: 1, Severity: SeverityHigh,
		Rule:     json.RawMessage(`{"==":[{"var":"action"},"kernel.async.event"]}`),
		Metadata: Metadata{Effect: EffectDeny},
	}

	res := e.Evaluate(p, &EvalContext{Action: "kernel.async.event"})
	assert.True(t, res.Match)
	assert.Equal(t, EffectDeny, res.Effect)

	res = e.Evaluate(p, &EvalContext{Action: "other"})
	assert.False(t, res.Match)
}

func TestEvaluator_DefaultEffectIsDeny(t *testing.T) {
	e := NewEvaluator()
	p := &Policy{
		Name: "no-effect", Version: 1, Severity: SeverityLow,
		Rule: json.RawMessage(`{"==":[{"var":"action"},"x"]}`),
	}
	res := e.Evaluate(p, &EvalContext{Action: "x"})
	assert.True(t, res.Match)
	assert.Equal(t, EffectDeny, res.Effect)
}

func TestEvaluator_ErrorCountsAndNonMatch(t *testing.T) {
	e := NewEvaluator()
	p := &Policy{
		Name: "broken", Version: 1, Severity: SeverityLow,
		Rule: json.RawMessage(`{"bogus":[1,2]}`),
	}
	res := e.Evaluate(p, &EvalContext{Action: "x"})
	assert.False(t, res.Match)
	assert.Equal(t, uint64(1), e.Errors())
}
