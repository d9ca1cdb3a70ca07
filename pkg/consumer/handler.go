// Package consumer drives asynchronous policy evaluation over the audit
// stream: every committed event is re-examined against the live policy set
// and the resulting decisions land back on the chain.
package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veridian-labs/trustplane/pkg/audit"
	"github.com/veridian-labs/trustplane/pkg/canary"
	"github.com/veridian-labs/trustplane/pkg/policy"
)

// PolicySource lists policies by state.
type PolicySource interface {
	List(ctx context.Context, states ...policy.State) ([]*policy.Policy, error)
}

// Handler evaluates one audit event against the active and canary policy
// sets and appends the resulting policy.decision event.
type Handler struct {
	policies  PolicySource
	evaluator *policy.Evaluator
	chain     *audit.Chain
	canary    *canary.Controller
	logger    *slog.Logger
}

// NewHandler builds the per-event evaluation handler.
func NewHandler(policies PolicySource, evaluator *policy.Evaluator, chain *audit.Chain, ctrl *canary.Controller) *Handler {
	return &Handler{
		policies:  policies,
		evaluator: evaluator,
		chain:     chain,
		canary:    ctrl,
		logger:    slog.Default().With("component", "consumer"),
	}
}

// Handle evaluates ev. Matching enforced policies produce one
// policy.decision event referencing the source event; canary outcomes feed
// the rollback controller. Decision events themselves are not re-evaluated,
// which keeps the stream from feeding back into itself.
func (h *Handler) Handle(ctx context.Context, ev *audit.Event) error {
	switch ev.EventType {
	case audit.TypePolicyDecision, audit.TypeCanaryRollback:
		return nil
	}

	policies, err := h.policies.List(ctx, policy.StateActive, policy.StateCanary)
	if err != nil {
		return fmt.Errorf("consumer: list policies: %w", err)
	}

	ectx := evalContext(ev)
	for _, p := range policies {
		res := h.evaluator.Evaluate(p, ectx)
		if !res.Match {
			continue
		}
		enforced := h.canary.ShouldApply(p, ev.ID)
		if p.State == policy.StateCanary {
			h.canary.RecordOutcome(ctx, p, canary.Sample{
				Enforced: enforced,
				Allowed:  res.Effect == policy.EffectAllow,
				Effect:   res.Effect,
			})
		}
		if !enforced {
			continue
		}

		_, err := h.chain.Append(ctx, audit.TypePolicyDecision, map[string]any{
			"policyId":      p.ID,
			"policyVersion": p.Version,
			"decision":      string(res.Effect),
			"rationale":     res.Explanation,
			"evidence_refs": []any{"audit:" + ev.ID},
		})
		if err != nil {
			return fmt.Errorf("consumer: append decision: %w", err)
		}
		return nil
	}
	return nil
}

// evalContext projects an audit event into the evaluator's input shape. The
// event type doubles as the action; well-known payload sections map onto the
// actor/resource/context attributes.
func evalContext(ev *audit.Event) *policy.EvalContext {
	ectx := &policy.EvalContext{
		Action:    ev.EventType,
		RequestID: ev.ID,
		Context:   ev.Payload,
	}
	if m, ok := ev.Payload["actor"].(map[string]any); ok {
		ectx.Actor = m
	}
	if m, ok := ev.Payload["resource"].(map[string]any); ok {
		ectx.Resource = m
	}
	return ectx
}
