// Package canary samples traffic onto canary policies and rolls them back
// automatically when their failure rate crosses the threshold.
package canary

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/veridian-labs/trustplane/pkg/audit"
	"github.com/veridian-labs/trustplane/pkg/policy"
)

const (
	// DefaultWindow is the per-policy outcome ring size.
	DefaultWindow = 50
	// DefaultThreshold is the failure rate that triggers rollback.
	DefaultThreshold = 0.3
	// DefaultCooldown is the quiet period after a rollback during which the
	// controller will not roll back the same policy name again.
	DefaultCooldown = 10 * time.Minute
)

// Controller decides which requests a canary policy applies to and watches
// outcome feedback for each canary.
type Controller struct {
	registry  policy.Registry
	chain     *audit.Chain
	window    int
	threshold float64
	cooldown  time.Duration
	clock     func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	states map[string]*policyState
}

// Sample is one canary decision observation. Shadow evaluations (matched but
// not sampled into enforcement) still occupy window slots; only enforced
// denies count toward the failure rate.
type Sample struct {
	Enforced bool
	Allowed  bool
	Effect   policy.Effect
	TS       time.Time
}

// policyState is the rolling sample window for one canary policy; full
// windows are evaluated on every record.
type policyState struct {
	samples       []Sample
	next          int
	filled        bool
	cooldownUntil time.Time
	rolledBack    bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithWindow overrides the outcome window size.
func WithWindow(n int) Option {
	return func(c *Controller) { c.window = n }
}

// WithThreshold overrides the rollback failure-rate threshold.
func WithThreshold(t float64) Option {
	return func(c *Controller) { c.threshold = t }
}

// WithCooldown overrides the post-rollback quiet period.
func WithCooldown(d time.Duration) Option {
	return func(c *Controller) { c.cooldown = d }
}

// WithClock fixes the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// NewController builds a canary controller over the policy registry and the
// audit chain.
func NewController(registry policy.Registry, chain *audit.Chain, opts ...Option) *Controller {
	c := &Controller{
		registry:  registry,
		chain:     chain,
		window:    DefaultWindow,
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    slog.Default().With("component", "canary"),
		states:    make(map[string]*policyState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldApply reports whether a canary policy applies to the given request.
// The decision is a deterministic hash of (policy id, request id) against the
// policy's canaryPercent, so retries of the same request land in the same
// bucket.
func (c *Controller) ShouldApply(p *policy.Policy, requestID string) bool {
	if p.State != policy.StateCanary {
		return p.State == policy.StateActive
	}
	percent := p.Metadata.CanaryPercent
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	return float64(bucket(p.ID, requestID)) < percent
}

// bucket maps (policyID, requestID) to [0,100).
func bucket(policyID, requestID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(policyID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(requestID))
	return h.Sum32() % 100
}

// RecordOutcome feeds one canary decision sample into the policy's rolling
// window and rolls the policy back when the window is full and the enforced
// deny rate reaches the threshold.
func (c *Controller) RecordOutcome(ctx context.Context, p *policy.Policy, s Sample) {
	if p.State != policy.StateCanary {
		return
	}
	if s.TS.IsZero() {
		s.TS = c.clock()
	}

	c.mu.Lock()
	st, ok := c.states[p.ID]
	if !ok {
		st = &policyState{samples: make([]Sample, c.window)}
		c.states[p.ID] = st
	}
	if st.rolledBack {
		c.mu.Unlock()
		return
	}

	st.samples[st.next] = s
	st.next = (st.next + 1) % c.window
	if st.next == 0 {
		st.filled = true
	}

	now := c.clock()
	if !st.filled || now.Before(st.cooldownUntil) {
		c.mu.Unlock()
		return
	}

	failures := 0
	for _, sample := range st.samples {
		if sample.Enforced && !sample.Allowed {
			failures++
		}
	}
	rate := float64(failures) / float64(c.window)
	if rate < c.threshold {
		c.mu.Unlock()
		return
	}

	// Mark before releasing the lock so concurrent recorders do not race a
	// second rollback of the same policy.
	st.rolledBack = true
	st.cooldownUntil = now.Add(c.cooldown)
	c.mu.Unlock()

	c.rollback(ctx, p, rate, failures)
}

func (c *Controller) rollback(ctx context.Context, p *policy.Policy, rate float64, failures int) {
	c.logger.Warn("canary failure rate over threshold, rolling back",
		"policy", p.Name, "version", p.Version, "rate", rate, "threshold", c.threshold)

	if _, err := c.registry.Transition(ctx, p.ID, policy.StateDeprecated, "canary-controller"); err != nil {
		c.logger.Error("canary rollback transition failed", "policy", p.Name, "error", err)
	}

	if _, err := c.chain.Append(ctx, audit.TypeCanaryRollback, map[string]any{
		"policy_id":      p.ID,
		"policy_name":    p.Name,
		"policy_version": p.Version,
		"failure_rate":   rate,
		"failures":       failures,
		"window":         c.window,
		"threshold":      c.threshold,
	}); err != nil {
		c.logger.Error("canary rollback audit append failed", "policy", p.Name, "error", err)
	}
}

// InCooldown reports whether the policy is inside its post-rollback quiet
// period.
func (c *Controller) InCooldown(policyID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[policyID]
	return ok && c.clock().Before(st.cooldownUntil)
}

// Reset clears the outcome window for a policy, used when a new version of
// the same name enters canary.
func (c *Controller) Reset(policyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, policyID)
}
