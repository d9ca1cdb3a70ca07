package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// CELBackend evaluates policies whose metadata carries a CEL source instead
// of (or alongside) the JSON predicate tree. It is a pluggable backend for
// deployments standardized on CEL; the JSON tree interpreter remains the
// default decision path.
//
// Programs are compiled once per (policy id, source) and cached.
type CELBackend struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]celProgram
}

type celProgram struct {
	source  string
	program cel.Program
}

// NewCELBackend initializes the CEL environment with the standard decision
// attributes.
func NewCELBackend() (*CELBackend, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("actor", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("resource", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("cel backend: env: %w", err)
	}
	return &CELBackend{env: env, programs: make(map[string]celProgram)}, nil
}

// Supports reports whether p carries a CEL source.
func (b *CELBackend) Supports(p *Policy) bool {
	return p.Metadata.CELSource != ""
}

// Evaluate runs the policy's CEL program over ctx. Like the tree evaluator,
// errors degrade to non-match.
func (b *CELBackend) Evaluate(p *Policy, ctx *EvalContext) Result {
	prg, err := b.program(p)
	if err != nil {
		return Result{Match: false, Explanation: fmt.Sprintf("cel compile error: %v", err)}
	}

	out, _, err := prg.Eval(map[string]any{
		"action":   ctx.Action,
		"actor":    nonNil(ctx.Actor),
		"resource": nonNil(ctx.Resource),
		"context":  nonNil(ctx.Context),
	})
	if err != nil {
		return Result{Match: false, Explanation: fmt.Sprintf("cel evaluation error: %v", err)}
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return Result{Match: false, Explanation: fmt.Sprintf("cel produced %T, want bool", out.Value())}
	}
	if !matched {
		return Result{Match: false, Explanation: "no match"}
	}
	effect := p.EffectOrDefault()
	return Result{
		Match:       true,
		Effect:      effect,
		Explanation: fmt.Sprintf("cel policy %s v%d matched with effect %s", p.Name, p.Version, effect),
	}
}

func (b *CELBackend) program(p *Policy) (cel.Program, error) {
	b.mu.RLock()
	cached, ok := b.programs[p.ID]
	b.mu.RUnlock()
	if ok && cached.source == p.Metadata.CELSource {
		return cached.program, nil
	}

	ast, issues := b.env.Compile(p.Metadata.CELSource)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := b.env.Program(ast)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.programs[p.ID] = celProgram{source: p.Metadata.CELSource, program: prg}
	b.mu.Unlock()
	return prg, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
