// Package check is the synchronous decision endpoint: one request in, one
// allow/deny out, evaluated against the active and canary policy sets.
package check

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-labs/trustplane/pkg/canary"
	"github.com/veridian-labs/trustplane/pkg/errdefs"
	"github.com/veridian-labs/trustplane/pkg/policy"
)

// Request is the decision input.
type Request struct {
	Action    string         `json:"action"`
	Actor     map[string]any `json:"actor,omitempty"`
	Resource  map[string]any `json:"resource,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Decision is the outcome returned to the caller.
type Decision struct {
	Allowed       bool   `json:"allowed"`
	PolicyID      string `json:"policyId,omitempty"`
	PolicyVersion int    `json:"policyVersion,omitempty"`
	Reason        string `json:"reason"`
}

// PolicySource lists policies by state; both the registry and the TTL cache
// satisfy it.
type PolicySource interface {
	List(ctx context.Context, states ...policy.State) ([]*policy.Policy, error)
}

// Service evaluates decision requests against the live policy set.
type Service struct {
	policies  PolicySource
	evaluator *policy.Evaluator
	cel       *policy.CELBackend
	canary    *canary.Controller
	logger    *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCELBackend enables CEL evaluation for policies carrying a CEL source.
func WithCELBackend(b *policy.CELBackend) ServiceOption {
	return func(s *Service) { s.cel = b }
}

// NewService builds a check service.
func NewService(policies PolicySource, evaluator *policy.Evaluator, ctrl *canary.Controller, opts ...ServiceOption) *Service {
	s := &Service{
		policies:  policies,
		evaluator: evaluator,
		canary:    ctrl,
		logger:    slog.Default().With("component", "check"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check evaluates the request. Policies in active and canary states are
// walked in deterministic order (ascending severity, then name, then
// version); the first match decides. Canary matches apply only to sampled
// requests. No match defaults to allow.
func (s *Service) Check(ctx context.Context, req *Request) (*Decision, error) {
	if req == nil || req.Action == "" {
		return nil, errdefs.New(errdefs.KindValidation, "invalid_request", "action required")
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	policies, err := s.policies.List(ctx, policy.StateActive, policy.StateCanary)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransient, "policy_list_failed", "policy listing failed", err)
	}

	start := time.Now()
	ectx := &policy.EvalContext{
		Action:    req.Action,
		Actor:     req.Actor,
		Resource:  req.Resource,
		Context:   req.Context,
		RequestID: requestID,
	}

	for _, p := range policies {
		res := s.evaluate(p, ectx)
		if !res.Match {
			continue
		}
		enforced := s.canary.ShouldApply(p, requestID)
		if p.State == policy.StateCanary {
			// every canary match is sampled, enforced or shadow
			s.canary.RecordOutcome(ctx, p, canary.Sample{
				Enforced: enforced,
				Allowed:  res.Effect == policy.EffectAllow,
				Effect:   res.Effect,
			})
		}
		if !enforced {
			continue
		}

		d := &Decision{
			Allowed:       res.Effect == policy.EffectAllow,
			PolicyID:      p.ID,
			PolicyVersion: p.Version,
			Reason:        res.Explanation,
		}
		s.logger.Debug("check decided",
			"action", req.Action, "policy", p.Name, "version", p.Version,
			"allowed", d.Allowed, "elapsed", time.Since(start))
		return d, nil
	}

	return &Decision{Allowed: true, Reason: "no policy matched; default allow"}, nil
}

func (s *Service) evaluate(p *policy.Policy, ectx *policy.EvalContext) policy.Result {
	if s.cel != nil && s.cel.Supports(p) {
		return s.cel.Evaluate(p, ectx)
	}
	return s.evaluator.Evaluate(p, ectx)
}
