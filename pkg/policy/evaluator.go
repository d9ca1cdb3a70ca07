package policy

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Result is the outcome of evaluating one policy against one context.
type Result struct {
	Match       bool
	Effect      Effect
	Explanation string
}

// Evaluator interprets policy rules. It is pure: no I/O, deterministic
// output for identical inputs, errors counted and degraded to non-match so
// the calling decision stays conservative.
type Evaluator struct {
	errorCount atomic.Uint64
	logger     *slog.Logger
}

// NewEvaluator builds an evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{logger: slog.Default().With("component", "policy.evaluator")}
}

// Errors returns the count of rules that failed to evaluate.
func (e *Evaluator) Errors() uint64 { return e.errorCount.Load() }

// Evaluate interprets p's rule over ctx. A rule error is a policy_error:
// logged, counted and reported as non-match.
func (e *Evaluator) Evaluate(p *Policy, ctx *EvalContext) Result {
	rule, err := ParseRule(p.Rule)
	if err != nil {
		e.errorCount.Add(1)
		e.logger.Warn("policy rule failed to parse, treating as non-match",
			"policy", p.Name, "version", p.Version, "error", err)
		return Result{Match: false, Explanation: fmt.Sprintf("rule parse error: %v", err)}
	}

	v, err := rule.eval(ctx)
	if err != nil {
		e.errorCount.Add(1)
		e.logger.Warn("policy rule failed to evaluate, treating as non-match",
			"policy", p.Name, "version", p.Version, "error", err)
		return Result{Match: false, Explanation: fmt.Sprintf("rule evaluation error: %v", err)}
	}

	matched, ok := v.(bool)
	if !ok {
		e.errorCount.Add(1)
		return Result{Match: false, Explanation: fmt.Sprintf("rule produced %T, want bool", v)}
	}
	if !matched {
		return Result{Match: false, Explanation: "no match"}
	}

	effect := p.EffectOrDefault()
	return Result{
		Match:       true,
		Effect:      effect,
		Explanation: fmt.Sprintf("policy %s v%d matched with effect %s", p.Name, p.Version, effect),
	}
}
