// Package multisig drives the N-of-M approval state machine for upgrade
// manifests: policy activations, artifact promotions and system changes that
// are too sensitive for a single operator.
package multisig

import (
	"context"
	"errors"
	"time"
)

// Target classifies what an upgrade manifest changes.
type Target string

const (
	TargetPolicy   Target = "policy"
	TargetArtifact Target = "artifact"
	TargetSystem   Target = "system"
)

// Valid reports whether t is a known target.
func (t Target) Valid() bool {
	switch t {
	case TargetPolicy, TargetArtifact, TargetSystem:
		return true
	}
	return false
}

// ManifestState is the lifecycle state of an upgrade manifest.
type ManifestState string

const (
	StatePending    ManifestState = "pending"
	StateApproved   ManifestState = "approved"
	StateApplied    ManifestState = "applied"
	StateRejected   ManifestState = "rejected"
	StateRolledBack ManifestState = "rolled_back"
)

// Terminal reports whether the state admits no further writes. rolled_back
// is reached from applied only when a newer manifest supersedes the entity.
func (s ManifestState) Terminal() bool {
	switch s {
	case StateRejected, StateRolledBack:
		return true
	}
	return false
}

// DefaultRequiredApprovals is the quorum when the submitter does not set one.
const DefaultRequiredApprovals = 3

// Approval is one approver's signature over the manifest payload digest.
type Approval struct {
	UpgradeID  string    `json:"upgrade_id"`
	ApproverID string    `json:"approver_id"`
	Signature  []byte    `json:"signature"`
	Notes      string    `json:"notes,omitempty"`
	TS         time.Time `json:"ts"`
}

// UpgradeManifest is a proposed change plus its accumulated approvals.
type UpgradeManifest struct {
	ID                string         `json:"id"`
	Target            Target         `json:"target"`
	Payload           map[string]any `json:"payload"`
	RequiredApprovals int            `json:"required_approvals"`
	ThresholdSet      []string       `json:"threshold_set"`
	State             ManifestState  `json:"state"`
	Approvals         []Approval     `json:"approvals"`
	AuditEventIDs     []string       `json:"audit_event_ids"`
	SubmittedBy       string         `json:"submitted_by"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Entity identifies what the manifest changes, for supersession checks. Two
// applied manifests never coexist for the same entity.
func (m *UpgradeManifest) Entity() string {
	key := ""
	switch m.Target {
	case TargetPolicy:
		key, _ = m.Payload["policy_id"].(string)
	case TargetArtifact:
		key, _ = m.Payload["artifact_ref"].(string)
	case TargetSystem:
		key, _ = m.Payload["kid"].(string)
	}
	return string(m.Target) + ":" + key
}

// HasApprover reports whether approver already signed.
func (m *UpgradeManifest) HasApprover(approverID string) bool {
	for _, a := range m.Approvals {
		if a.ApproverID == approverID {
			return true
		}
	}
	return false
}

// InThresholdSet reports whether approver is authorized to sign.
func (m *UpgradeManifest) InThresholdSet(approverID string) bool {
	for _, id := range m.ThresholdSet {
		if id == approverID {
			return true
		}
	}
	return false
}

// ErrNotFound is returned for unknown manifest ids.
var ErrNotFound = errors.New("multisig: manifest not found")

// Store persists upgrade manifests. Save overwrites the full row; stores
// serialize writes per manifest.
type Store interface {
	Create(ctx context.Context, m *UpgradeManifest) error
	Get(ctx context.Context, id string) (*UpgradeManifest, error)
	Save(ctx context.Context, m *UpgradeManifest) error
	List(ctx context.Context, states ...ManifestState) ([]*UpgradeManifest, error)
	// AppliedForEntity returns the applied manifest for an entity, if any.
	AppliedForEntity(ctx context.Context, entity string) (*UpgradeManifest, error)
}
