package canonicalize

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_SortsKeysAtEveryLevel(t *testing.T) {
	in := map[string]any{
		"zeta": 1,
		"alpha": map[string]any{
			"nested_b": true,
			"nested_a": []any{"x", "y"},
		},
	}
	out, err := Canonical(in)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"nested_a":["x","y"],"nested_b":true},"zeta":1}`, string(out))
}

func TestCanonical_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"foo": "bar", "baz": []any{1, 2, 3}, "qux": map[string]any{"k": "v"}}
	b := map[string]any{"qux": map[string]any{"k": "v"}, "baz": []any{1, 2, 3}, "foo": "bar"}

	ca, err := Canonical(a)
	require.NoError(t, err)
	cb, err := Canonical(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	out, err := Canonical(map[string]any{"url": "https://a.example/p?x=1&y=<2>"})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"https://a.example/p?x=1&y=<2>"}`, string(out))
}

func TestCanonical_IntegersPreserved(t *testing.T) {
	out, err := Canonical(map[string]any{"n": 9007199254740993})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(out))
}

func TestCanonical_StructTagsRespected(t *testing.T) {
	type payload struct {
		B string `json:"b"`
		A string `json:"a"`
		C string `json:"-"`
	}
	out, err := Canonical(payload{A: "1", B: "2", C: "hidden"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2"}`, string(out))
}

func TestHash_StableAcrossReordering(t *testing.T) {
	h1, err := Hash(map[string]any{"x": 1, "y": "z"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"y": "z", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

// TestTransformParity pins the native encoder and the reference RFC 8785
// transform to byte-identical output. Independent components hash through
// different entry points and must agree.
func TestTransformParity(t *testing.T) {
	cases := []any{
		map[string]any{"b": 2, "a": 1},
		map[string]any{"nested": map[string]any{"z": []any{true, nil, "s"}, "a": 0}},
		map[string]any{"unicode": "héllo — wörld", "html": "<script>&"},
		[]any{1, "two", map[string]any{"three": 3}},
		map[string]any{},
	}
	for _, c := range cases {
		native, err := Canonical(c)
		require.NoError(t, err)

		viaTransform, err := Transform(native)
		require.NoError(t, err)
		assert.Equal(t, string(native), string(viaTransform))
	}
}

func TestCanonical_Property_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	asAny := func(r *gopter.GenResult) *gopter.GenResult {
		r.ResultType = reflect.TypeOf((*any)(nil)).Elem()
		r.Sieve = nil
		r.Shrinker = gopter.NoShrinker
		return r
	}
	genValue := gen.MapOf(gen.AlphaString(), gen.OneGenOf(
		gen.AlphaString().Map(asAny),
		gen.Int64().Map(asAny),
		gen.Bool().Map(asAny),
	))

	properties := gopter.NewProperties(parameters)
	properties.Property("canonical form is a pure function of content", prop.ForAll(
		func(m map[string]any) bool {
			a, err1 := Canonical(m)
			b, err2 := Canonical(m)
			if err1 != nil || err2 != nil {
				return false
			}
			return string(a) == string(b)
		},
		genValue,
	))
	properties.Property("canonical form survives the jcs transform unchanged", prop.ForAll(
		func(m map[string]any) bool {
			a, err := Canonical(m)
			if err != nil {
				return false
			}
			b, err := Transform(a)
			if err != nil {
				return false
			}
			return string(a) == string(b)
		},
		genValue,
	))
	properties.TestingRun(t)
}
