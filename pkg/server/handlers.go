package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/veridian-labs/trustplane/pkg/audit"
	"github.com/veridian-labs/trustplane/pkg/auth"
	"github.com/veridian-labs/trustplane/pkg/check"
	"github.com/veridian-labs/trustplane/pkg/errdefs"
	"github.com/veridian-labs/trustplane/pkg/multisig"
	"github.com/veridian-labs/trustplane/pkg/observability"
	"github.com/veridian-labs/trustplane/pkg/policy"
	"github.com/veridian-labs/trustplane/pkg/promotion"
)

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req check.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = auth.GetRequestID(r.Context())
	}

	start := time.Now()
	decision, err := s.deps.Check.Check(r.Context(), &req)
	if s.deps.SLO != nil {
		s.deps.SLO.Record(observability.SLOObservation{
			Operation: "check",
			Latency:   time.Since(start),
			Success:   err == nil,
		})
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordDecision(decision.Allowed)
	}
	writeJSON(w, http.StatusOK, decision)
}

type policyRequest struct {
	Name     string          `json:"name"`
	Severity policy.Severity `json:"severity"`
	Rule     json.RawMessage `json:"rule"`
	Metadata policy.Metadata `json:"metadata"`
}

func (s *Server) handlePolicyCreate(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	p := &policy.Policy{
		Name:     req.Name,
		Severity: req.Severity,
		Rule:     req.Rule,
		Metadata: req.Metadata,
	}
	if err := s.deps.Policies.Create(r.Context(), p, auth.PrincipalID(r.Context(), "anonymous")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	var states []policy.State
	if v := r.URL.Query().Get("state"); v != "" {
		states = append(states, policy.State(v))
	}
	list, err := s.deps.Policies.List(r.Context(), states...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list})
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Policies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, mapPolicyErr(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePolicyUpdate(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.deps.Policies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, mapPolicyErr(err))
		return
	}
	updated := *p
	if req.Name != "" {
		updated.Name = req.Name
	}
	if req.Severity != "" {
		updated.Severity = req.Severity
	}
	if len(req.Rule) > 0 {
		updated.Rule = req.Rule
	}
	updated.Metadata = req.Metadata
	if err := s.deps.Policies.Update(r.Context(), &updated, auth.PrincipalID(r.Context(), "anonymous")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &updated)
}

type transitionRequest struct {
	To policy.State `json:"to"`
}

func (s *Server) handlePolicyTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.deps.Policies.Transition(r.Context(), r.PathValue("id"), req.To,
		auth.PrincipalID(r.Context(), "anonymous"))
	if err != nil {
		writeError(w, mapPolicyErr(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Policies.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, mapPolicyErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func mapPolicyErr(err error) error {
	if errors.Is(err, policy.ErrNotFound) {
		return errdefs.Wrap(errdefs.KindNotFound, "policy_not_found", "policy not found", err)
	}
	return err
}

type upgradeSubmitRequest struct {
	Target            multisig.Target `json:"target"`
	Payload           map[string]any  `json:"payload"`
	ThresholdSet      []string        `json:"threshold_set"`
	RequiredApprovals int             `json:"required_approvals"`
}

func (s *Server) handleUpgradeSubmit(w http.ResponseWriter, r *http.Request) {
	var req upgradeSubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.deps.Upgrades.Submit(r.Context(), req.Target, req.Payload,
		req.ThresholdSet, req.RequiredApprovals, auth.PrincipalID(r.Context(), "anonymous"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleUpgradeGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Upgrades.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type approveRequest struct {
	ApproverID string `json:"approver_id,omitempty"`
	Signature  string `json:"signature"` // base64
	Notes      string `json:"notes,omitempty"`
}

func (s *Server) handleUpgradeApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindValidation, "invalid_signature_encoding",
			"signature must be base64", err))
		return
	}

	// The approver is the authenticated principal; a body approver_id may
	// restate it but never substitute someone else.
	approver := auth.PrincipalID(r.Context(), "")
	if req.ApproverID != "" {
		if approver != "" && approver != "mesh-client" && req.ApproverID != approver {
			writeError(w, errdefs.New(errdefs.KindForbidden, "approver_mismatch",
				"approver_id does not match the authenticated principal"))
			return
		}
		approver = req.ApproverID
	}
	if approver == "" {
		approver = "anonymous"
	}

	m, err := s.deps.Upgrades.Approve(r.Context(), r.PathValue("id"), approver, sig, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUpgradeApply(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Upgrades.Apply(r.Context(), r.PathValue("id"),
		auth.PrincipalID(r.Context(), "anonymous"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleUpgradeReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.deps.Upgrades.Reject(r.Context(), r.PathValue("id"),
		auth.PrincipalID(r.Context(), "anonymous"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type auditAppendRequest struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

func (s *Server) handleAuditAppend(w http.ResponseWriter, r *http.Request) {
	var req auditAppendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.EventType == "" {
		writeError(w, errdefs.New(errdefs.KindValidation, "event_type_required", "event_type required"))
		return
	}
	ev, err := s.deps.Chain.Append(r.Context(), req.EventType, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordAuditEvent(req.EventType)
		s.deps.Metrics.SetChainDegraded(s.deps.Chain.Degraded())
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Chain.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeError(w, errdefs.Wrap(errdefs.KindNotFound, "event_not_found", "audit event not found", err))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type auditSearchRequest struct {
	EventType string    `json:"event_type,omitempty"`
	TimeMin   time.Time `json:"time_min,omitzero"`
	AfterSeq  uint64    `json:"after_seq,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

func (s *Server) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	var req auditSearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.deps.Chain.Search(r.Context(), audit.SearchQuery{
		EventType: req.EventType,
		TimeMin:   req.TimeMin,
		AfterSeq:  req.AfterSeq,
		Limit:     req.Limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Chain.Verify(r.Context()); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindConsistency, "chain_broken", "audit chain verification failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePromotionCreate(w http.ResponseWriter, r *http.Request) {
	var req promotion.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	p, err := s.deps.Promotions.Promote(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordPromotion(string(p.Status))
	}
	status := http.StatusCreated
	if p.Status == promotion.StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, p)
}

func (s *Server) handlePromotionGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Promotions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, promotion.ErrNotFound) {
			writeError(w, errdefs.Wrap(errdefs.KindNotFound, "promotion_not_found", "promotion not found", err))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
