package multisig

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-labs/trustplane/pkg/audit"
	"github.com/veridian-labs/trustplane/pkg/canonicalize"
	"github.com/veridian-labs/trustplane/pkg/errdefs"
	"github.com/veridian-labs/trustplane/pkg/policy"
	"github.com/veridian-labs/trustplane/pkg/signer"
)

// Applier executes the side effect of an applied manifest for one target
// kind. The policy and signer registries plug in through this.
type Applier interface {
	Apply(ctx context.Context, m *UpgradeManifest) error
}

// Controller owns the upgrade manifest state machine. All writes go through
// the store; every transition lands an audit event whose id is recorded on
// the manifest.
type Controller struct {
	store    Store
	signers  *signer.Registry
	chain    *audit.Chain
	appliers map[Target]Applier
	clock    func() time.Time
	logger   *slog.Logger
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithApplier installs the side-effect executor for a target kind.
func WithApplier(target Target, a Applier) ControllerOption {
	return func(c *Controller) { c.appliers[target] = a }
}

// WithControllerClock fixes the time source for tests.
func WithControllerClock(clock func() time.Time) ControllerOption {
	return func(c *Controller) { c.clock = clock }
}

// NewController builds a multisig controller.
func NewController(store Store, signers *signer.Registry, chain *audit.Chain, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:    store,
		signers:  signers,
		chain:    chain,
		appliers: make(map[Target]Applier),
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   slog.Default().With("component", "multisig"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PayloadDigest is what approvers sign: the SHA-256 of the canonical payload
// encoding. Every verifier recomputes it independently.
func PayloadDigest(payload map[string]any) ([32]byte, error) {
	return canonicalize.Digest(payload)
}

// Submit validates and persists a new pending manifest.
func (c *Controller) Submit(ctx context.Context, target Target, payload map[string]any, thresholdSet []string, requiredApprovals int, submittedBy string) (*UpgradeManifest, error) {
	if !target.Valid() {
		return nil, errdefs.New(errdefs.KindValidation, "invalid_target",
			fmt.Sprintf("unknown upgrade target %q", target))
	}
	if err := ValidatePayload(target, payload); err != nil {
		return nil, err
	}
	if requiredApprovals <= 0 {
		requiredApprovals = DefaultRequiredApprovals
	}
	if len(thresholdSet) < requiredApprovals {
		return nil, errdefs.New(errdefs.KindValidation, "threshold_set_too_small",
			fmt.Sprintf("threshold set has %d approvers, %d required", len(thresholdSet), requiredApprovals))
	}

	now := c.clock()
	m := &UpgradeManifest{
		ID:                uuid.New().String(),
		Target:            target,
		Payload:           payload,
		RequiredApprovals: requiredApprovals,
		ThresholdSet:      thresholdSet,
		State:             StatePending,
		SubmittedBy:       submittedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.store.Create(ctx, m); err != nil {
		return nil, err
	}

	if err := c.record(ctx, m, audit.TypeUpgradeSubmitted, map[string]any{
		"upgrade_id":         m.ID,
		"target":             string(target),
		"required_approvals": requiredApprovals,
		"threshold_set":      anySlice(thresholdSet),
		"submitted_by":       submittedBy,
	}); err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Approve verifies the approver's signature over the payload digest and
// accumulates it. The final approval moves the manifest to approved.
func (c *Controller) Approve(ctx context.Context, upgradeID, approverID string, sig []byte, notes string) (*UpgradeManifest, error) {
	m, err := c.store.Get(ctx, upgradeID)
	if err != nil {
		return nil, err
	}
	if m.State != StatePending {
		return nil, errdefs.New(errdefs.KindConflict, "not_pending",
			fmt.Sprintf("manifest is %s, approvals only accumulate while pending", m.State))
	}
	if !m.InThresholdSet(approverID) {
		return nil, errdefs.New(errdefs.KindForbidden, "approver_not_authorized",
			approverID+" is not in the manifest threshold set")
	}
	if m.HasApprover(approverID) {
		return nil, errdefs.New(errdefs.KindConflict, "duplicate_approval",
			approverID+" already approved this manifest")
	}

	digest, err := PayloadDigest(m.Payload)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "invalid_payload", "payload not canonicalizable", err)
	}
	ok, err := c.signers.Verify(ctx, approverID, digest, sig)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.New(errdefs.KindForbidden, "signature_invalid",
			"approval signature does not verify against "+approverID)
	}

	m.Approvals = append(m.Approvals, Approval{
		UpgradeID:  m.ID,
		ApproverID: approverID,
		Signature:  sig,
		Notes:      notes,
		TS:         c.clock(),
	})
	if len(m.Approvals) >= m.RequiredApprovals {
		m.State = StateApproved
	}
	m.UpdatedAt = c.clock()

	if err := c.record(ctx, m, audit.TypeUpgradeApproved, map[string]any{
		"upgrade_id":  m.ID,
		"approver_id": approverID,
		"approvals":   len(m.Approvals),
		"required":    m.RequiredApprovals,
		"state":       string(m.State),
	}); err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Apply re-verifies every approval signature, executes the target side
// effect and marks the manifest applied. A previously applied manifest for
// the same entity is rolled back in the same operation.
func (c *Controller) Apply(ctx context.Context, upgradeID, actor string) (*UpgradeManifest, error) {
	m, err := c.store.Get(ctx, upgradeID)
	if err != nil {
		return nil, err
	}
	switch m.State {
	case StateApproved:
	case StatePending:
		return nil, errdefs.New(errdefs.KindValidation, "insufficient_approvals",
			fmt.Sprintf("%d of %d approvals collected", len(m.Approvals), m.RequiredApprovals))
	default:
		return nil, errdefs.New(errdefs.KindConflict, "not_applicable",
			fmt.Sprintf("manifest is %s", m.State))
	}

	digest, err := PayloadDigest(m.Payload)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "invalid_payload", "payload not canonicalizable", err)
	}
	for _, a := range m.Approvals {
		ok, err := c.signers.Verify(ctx, a.ApproverID, digest, a.Signature)
		if err != nil || !ok {
			return nil, errdefs.New(errdefs.KindForbidden, "signature_invalid",
				"stored approval from "+a.ApproverID+" no longer verifies")
		}
	}

	// Supersede a previously applied manifest for the same entity before
	// the new one takes effect.
	prior, err := c.store.AppliedForEntity(ctx, m.Entity())
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.ID != m.ID {
		prior.State = StateRolledBack
		prior.UpdatedAt = c.clock()
		if err := c.record(ctx, prior, audit.TypeUpgradeRolledBack, map[string]any{
			"upgrade_id":    prior.ID,
			"superseded_by": m.ID,
			"entity":        m.Entity(),
		}); err != nil {
			return nil, err
		}
		if err := c.store.Save(ctx, prior); err != nil {
			return nil, err
		}
	}

	if applier, ok := c.appliers[m.Target]; ok {
		if err := applier.Apply(ctx, m); err != nil {
			return nil, fmt.Errorf("multisig apply %s: %w", m.ID, err)
		}
	}

	m.State = StateApplied
	m.UpdatedAt = c.clock()
	if err := c.record(ctx, m, audit.TypeUpgradeApplied, map[string]any{
		"upgrade_id": m.ID,
		"target":     string(m.Target),
		"applied_by": actor,
		"approvals":  len(m.Approvals),
	}); err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Reject moves a pending or approved manifest to rejected.
func (c *Controller) Reject(ctx context.Context, upgradeID, actor, reason string) (*UpgradeManifest, error) {
	m, err := c.store.Get(ctx, upgradeID)
	if err != nil {
		return nil, err
	}
	if m.State != StatePending && m.State != StateApproved {
		return nil, errdefs.New(errdefs.KindConflict, "not_rejectable",
			fmt.Sprintf("manifest is %s", m.State))
	}

	m.State = StateRejected
	m.UpdatedAt = c.clock()
	if err := c.record(ctx, m, audit.TypeUpgradeRejected, map[string]any{
		"upgrade_id":  m.ID,
		"rejected_by": actor,
		"reason":      reason,
	}); err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the manifest with the given id.
func (c *Controller) Get(ctx context.Context, id string) (*UpgradeManifest, error) {
	return c.store.Get(ctx, id)
}

// record appends the audit event and links its id onto the manifest. The
// append must land before the manifest write: a failure aborts the
// transition, so no manifest state ever exists without its audit row.
func (c *Controller) record(ctx context.Context, m *UpgradeManifest, eventType string, payload map[string]any) error {
	ev, err := c.chain.Append(ctx, eventType, payload)
	if err != nil {
		c.logger.Error("audit append failed", "event_type", eventType, "upgrade_id", m.ID, "error", err)
		return fmt.Errorf("multisig %s: record %s: %w", m.ID, eventType, err)
	}
	m.AuditEventIDs = append(m.AuditEventIDs, ev.ID)
	return nil
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// PolicyApplier drives the policy registry when a policy-target manifest is
// applied.
type PolicyApplier struct {
	Registry policy.Registry
}

func (a PolicyApplier) Apply(ctx context.Context, m *UpgradeManifest) error {
	policyID, _ := m.Payload["policy_id"].(string)
	toState, _ := m.Payload["to_state"].(string)
	_, err := a.Registry.Transition(ctx, policyID, policy.State(toState), "multisig:"+m.ID)
	return err
}

// SignerRemovalApplier removes a key from the signer registry for
// signer_remove system manifests.
type SignerRemovalApplier struct {
	Registry *signer.Registry
}

func (a SignerRemovalApplier) Apply(ctx context.Context, m *UpgradeManifest) error {
	op, _ := m.Payload["operation"].(string)
	if op != "signer_remove" {
		return nil
	}
	kid, _ := m.Payload["kid"].(string)
	return a.Registry.Remove(kid, m.ID)
}
