package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// The rule language is a JSON-encoded predicate tree:
//
//	{"==": [{"var": "action"}, "kernel.async.event"]}
//	{"and": [{">": [{"var": "context.score"}, 0.8]}, {"in": [{"var": "actor.id"}, ["a", "b"]]}]}
//
// Operators: ==, !=, <, <=, >, >=, and, or, not, in, var, regex. Rules are
// interpreted recursively over a typed context map; there is no embedding of
// a host-language evaluator.

// Rule is a node in the predicate tree.
type Rule interface {
	eval(ctx *EvalContext) (any, error)
}

// Literal is a constant JSON value.
type Literal struct{ Value any }

// VarRef resolves a dot path against the evaluation context.
type VarRef struct{ Path string }

// CmpRule applies a binary comparison.
type CmpRule struct {
	Op          string
	Left, Right Rule
}

// BoolRule is an n-ary conjunction or disjunction.
type BoolRule struct {
	Op       string // "and" | "or"
	Operands []Rule
}

// NotRule negates its operand.
type NotRule struct{ Operand Rule }

// InRule tests membership of needle in a list (or substring in a string).
type InRule struct{ Needle, Haystack Rule }

// RegexRule matches a precompiled pattern against a string operand.
type RegexRule struct {
	Operand Rule
	Pattern *regexp.Regexp
}

// ParseRule decodes raw JSON into a predicate tree. Patterns compile at
// parse time so evaluation stays allocation-light and sub-millisecond.
func ParseRule(raw json.RawMessage) (Rule, error) {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("rule: decode: %w", err)
	}
	return parseNode(v)
}

func parseNode(v any) (Rule, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Literal{Value: normalize(v)}, nil
	}
	if len(obj) != 1 {
		return nil, fmt.Errorf("rule: operator object must have exactly one key, got %d", len(obj))
	}

	var op string
	var arg any
	for k, val := range obj {
		op, arg = k, val
	}

	switch op {
	case "var":
		path, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("rule: var expects a string path")
		}
		return VarRef{Path: path}, nil

	case "==", "!=", "<", "<=", ">", ">=":
		operands, err := parseOperands(op, arg, 2)
		if err != nil {
			return nil, err
		}
		return CmpRule{Op: op, Left: operands[0], Right: operands[1]}, nil

	case "and", "or":
		list, ok := arg.([]any)
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("rule: %s expects a non-empty array", op)
		}
		operands := make([]Rule, len(list))
		for i, item := range list {
			r, err := parseNode(item)
			if err != nil {
				return nil, err
			}
			operands[i] = r
		}
		return BoolRule{Op: op, Operands: operands}, nil

	case "not":
		// Accept both {"not": X} and {"not": [X]}.
		if list, ok := arg.([]any); ok {
			if len(list) != 1 {
				return nil, fmt.Errorf("rule: not expects one operand")
			}
			arg = list[0]
		}
		operand, err := parseNode(arg)
		if err != nil {
			return nil, err
		}
		return NotRule{Operand: operand}, nil

	case "in":
		operands, err := parseOperands(op, arg, 2)
		if err != nil {
			return nil, err
		}
		return InRule{Needle: operands[0], Haystack: operands[1]}, nil

	case "regex":
		list, ok := arg.([]any)
		if !ok || len(list) != 2 {
			return nil, fmt.Errorf("rule: regex expects [operand, pattern]")
		}
		pattern, ok := list[1].(string)
		if !ok {
			return nil, fmt.Errorf("rule: regex pattern must be a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule: regex compile: %w", err)
		}
		operand, err := parseNode(list[0])
		if err != nil {
			return nil, err
		}
		return RegexRule{Operand: operand, Pattern: re}, nil

	default:
		return nil, fmt.Errorf("rule: unknown operator %q", op)
	}
}

func parseOperands(op string, arg any, n int) ([]Rule, error) {
	list, ok := arg.([]any)
	if !ok || len(list) != n {
		return nil, fmt.Errorf("rule: %s expects %d operands", op, n)
	}
	out := make([]Rule, n)
	for i, item := range list {
		r, err := parseNode(item)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// EvalContext is the typed view of the triggering event.
type EvalContext struct {
	Action    string
	Actor     map[string]any
	Resource  map[string]any
	Context   map[string]any
	RequestID string
}

// resolve walks a dot path. Root keys: action, actor (alias principal),
// resource, context. Missing paths resolve to nil, not an error.
func (c *EvalContext) resolve(path string) any {
	parts := strings.Split(path, ".")
	var cur any
	switch parts[0] {
	case "action":
		cur = c.Action
	case "actor", "principal":
		cur = c.Actor
	case "resource":
		cur = c.Resource
	case "context":
		cur = c.Context
	default:
		return nil
	}
	for _, part := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return normalize(cur)
}

func (l Literal) eval(*EvalContext) (any, error) { return l.Value, nil }

func (v VarRef) eval(ctx *EvalContext) (any, error) { return ctx.resolve(v.Path), nil }

func (r CmpRule) eval(ctx *EvalContext) (any, error) {
	left, err := r.Left.eval(ctx)
	if err != nil {
		return nil, err
	}
	right, err := r.Right.eval(ctx)
	if err != nil {
		return nil, err
	}

	switch r.Op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	}

	cmp, err := compare(left, right)
	if err != nil {
		return nil, fmt.Errorf("rule: %s: %w", r.Op, err)
	}
	switch r.Op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return nil, fmt.Errorf("rule: unknown comparison %q", r.Op)
}

func (b BoolRule) eval(ctx *EvalContext) (any, error) {
	for _, operand := range b.Operands {
		v, err := operand.eval(ctx)
		if err != nil {
			return nil, err
		}
		truthy, err := asBool(v)
		if err != nil {
			return nil, err
		}
		if b.Op == "and" && !truthy {
			return false, nil
		}
		if b.Op == "or" && truthy {
			return true, nil
		}
	}
	return b.Op == "and", nil
}

func (n NotRule) eval(ctx *EvalContext) (any, error) {
	v, err := n.Operand.eval(ctx)
	if err != nil {
		return nil, err
	}
	truthy, err := asBool(v)
	if err != nil {
		return nil, err
	}
	return !truthy, nil
}

func (r InRule) eval(ctx *EvalContext) (any, error) {
	needle, err := r.Needle.eval(ctx)
	if err != nil {
		return nil, err
	}
	haystack, err := r.Haystack.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if looseEqual(needle, normalize(item)) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(h, s), nil
	case nil:
		return false, nil
	default:
		return nil, fmt.Errorf("rule: in expects a list or string haystack, got %T", haystack)
	}
}

func (r RegexRule) eval(ctx *EvalContext) (any, error) {
	v, err := r.Operand.eval(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return false, nil
	}
	return r.Pattern.MatchString(s), nil
}

// normalize collapses json.Number and integer kinds to float64 so mixed
// numeric comparisons behave.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func looseEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if af, aok := a.(float64); aok {
		bf, bok := b.(float64)
		return bok && af == bf
	}
	return a == b
}

func compare(a, b any) (int, error) {
	a, b = normalize(a), normalize(b)
	if af, ok := a.(float64); ok {
		bf, ok := b.(float64)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare string with %T", b)
		}
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("unordered type %T", a)
}

func asBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("rule: expected boolean operand, got %T", v)
	}
	return b, nil
}
