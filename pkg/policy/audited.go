package policy

import "context"

// AuditedRegistry wraps a Registry so every successful write also lands a
// policy.updated audit event through notify. Cache invalidation rides on
// that event: the chain handler drops local entries and bus-mode nodes learn
// about the edit over pub/sub before the TTL expires.
type AuditedRegistry struct {
	Registry
	notify func(ctx context.Context, payload map[string]any) error
}

// NewAuditedRegistry decorates reg. notify runs after each committed write;
// its error fails the operation so callers never observe an unadvertised
// edit.
func NewAuditedRegistry(reg Registry, notify func(ctx context.Context, payload map[string]any) error) *AuditedRegistry {
	return &AuditedRegistry{Registry: reg, notify: notify}
}

func (r *AuditedRegistry) Create(ctx context.Context, p *Policy, actor string) error {
	if err := r.Registry.Create(ctx, p, actor); err != nil {
		return err
	}
	return r.notify(ctx, changePayload("create", p, actor))
}

func (r *AuditedRegistry) Update(ctx context.Context, p *Policy, actor string) error {
	if err := r.Registry.Update(ctx, p, actor); err != nil {
		return err
	}
	return r.notify(ctx, changePayload("update", p, actor))
}

func (r *AuditedRegistry) Transition(ctx context.Context, id string, to State, actor string) (*Policy, error) {
	p, err := r.Registry.Transition(ctx, id, to, actor)
	if err != nil {
		return nil, err
	}
	if err := r.notify(ctx, changePayload("transition", p, actor)); err != nil {
		return nil, err
	}
	return p, nil
}

func changePayload(op string, p *Policy, actor string) map[string]any {
	return map[string]any{
		"op":        op,
		"policy_id": p.ID,
		"name":      p.Name,
		"version":   p.Version,
		"state":     string(p.State),
		"actor":     actor,
	}
}
