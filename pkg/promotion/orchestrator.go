package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/veridian-labs/trustplane/pkg/audit"
	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// Orchestrator runs the promotion pipeline: idempotency lookup, sentinel
// decision, allocation, terminal status plus audit trail.
type Orchestrator struct {
	store       Store
	sentinel    Sentinel
	allocator   Allocator
	chain       *audit.Chain
	environment string
	clock       func() time.Time
	logger      *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithEnvironment names the target environment passed to the sentinel and
// the allocator.
func WithEnvironment(env string) OrchestratorOption {
	return func(o *Orchestrator) { o.environment = env }
}

// WithClock fixes the time source for tests.
func WithClock(clock func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock }
}

// NewOrchestrator builds a promotion orchestrator.
func NewOrchestrator(store Store, sentinel Sentinel, allocator Allocator, chain *audit.Chain, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		sentinel:    sentinel,
		allocator:   allocator,
		chain:       chain,
		environment: "prod",
		clock:       func() time.Time { return time.Now().UTC() },
		logger:      slog.Default().With("component", "promotion"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Promote runs one promotion request to a terminal status. A reused
// idempotency key returns the already-persisted record without side effects.
func (o *Orchestrator) Promote(ctx context.Context, req *Request) (*Promotion, error) {
	if req.ArtifactRef == "" {
		return nil, errdefs.New(errdefs.KindValidation, "invalid_promotion", "artifact_ref required")
	}
	if req.IdempotencyKey == "" {
		return nil, errdefs.New(errdefs.KindValidation, "invalid_promotion", "idempotency_key required")
	}

	if existing, err := o.store.GetByKey(ctx, req.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := o.clock()
	p := &Promotion{
		ID:             uuid.New().String(),
		ArtifactRef:    req.ArtifactRef,
		Reason:         req.Reason,
		Score:          req.Score,
		Status:         StatusPending,
		Evaluation:     req.Evaluation,
		IdempotencyKey: req.IdempotencyKey,
		TraceID:        traceID(ctx),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.Create(ctx, p); err != nil {
		// two racers with the same key: the first insert wins, the loser
		// replays the winner's record
		if errdefs.KindOf(err) == errdefs.KindConflict {
			return o.store.GetByKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	decision, err := o.sentinel.Decide(ctx, p.ArtifactRef, o.environment, p.Evaluation)
	if err != nil {
		return o.fail(ctx, p, SentinelDecision{Reason: "sentinel unavailable"},
			fmt.Sprintf("sentinel decision failed: %v", err))
	}
	p.SentinelDecision = decision.payload()

	if !decision.Allowed {
		return o.fail(ctx, p, decision, "denied by sentinel: "+decision.Reason)
	}
	if decision.MinScore > 0 && p.Score < decision.MinScore {
		return o.fail(ctx, p, decision,
			fmt.Sprintf("score %.2f below threshold %.2f", p.Score, decision.MinScore))
	}

	pool, _ := p.Evaluation["pool"].(string)
	result, err := o.allocator.Allocate(ctx, AllocationRequest{
		ArtifactRef: p.ArtifactRef,
		Environment: o.environment,
		Pool:        pool,
		TraceID:     p.TraceID,
		Evaluation:  p.Evaluation,
	})
	if err != nil {
		return o.fail(ctx, p, decision, fmt.Sprintf("allocation failed: %v", err))
	}

	p.Status = StatusAccepted
	p.UpdatedAt = o.clock()
	if result.AllocationID != "" {
		p.Evaluation = withAllocation(p.Evaluation, result)
	}
	if err := o.store.Save(ctx, p); err != nil {
		return nil, err
	}
	o.logger.Info("promotion accepted",
		"promotion_id", p.ID, "artifact_ref", p.ArtifactRef, "trace_id", p.TraceID)
	return p, nil
}

// fail marks the promotion failed, records the sentinel decision on the row
// and appends the promotion.failed audit event referenced by event_id. The
// terminal status never lands without its audit row: an append failure aborts
// the write and the promotion stays pending for a retry.
func (o *Orchestrator) fail(ctx context.Context, p *Promotion, decision SentinelDecision, reason string) (*Promotion, error) {
	p.Status = StatusFailed
	p.SentinelDecision = decision.payload()
	p.UpdatedAt = o.clock()

	ev, err := o.chain.Append(ctx, audit.TypePromotionFailed, map[string]any{
		"promotion_id":      p.ID,
		"artifact_ref":      p.ArtifactRef,
		"reason":            reason,
		"sentinel_decision": p.SentinelDecision,
		"trace_id":          p.TraceID,
	})
	if err != nil {
		return nil, fmt.Errorf("promotion %s: record failure event: %w", p.ID, err)
	}
	p.EventID = ev.ID

	if err := o.store.Save(ctx, p); err != nil {
		return nil, err
	}
	o.logger.Warn("promotion failed",
		"promotion_id", p.ID, "artifact_ref", p.ArtifactRef, "reason", reason, "trace_id", p.TraceID)
	return p, nil
}

// Get returns the promotion with the given id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Promotion, error) {
	return o.store.Get(ctx, id)
}

// traceID takes the OpenTelemetry trace id from ctx when a span is active,
// otherwise mints a fresh correlation id.
func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.New().String()
}

func withAllocation(evaluation map[string]any, result *AllocationResult) map[string]any {
	out := make(map[string]any, len(evaluation)+1)
	for k, v := range evaluation {
		out[k] = v
	}
	out["allocation_id"] = result.AllocationID
	return out
}
