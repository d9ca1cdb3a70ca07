package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/trustplane/pkg/audit"
	"github.com/veridian-labs/trustplane/pkg/auth"
	"github.com/veridian-labs/trustplane/pkg/canary"
	"github.com/veridian-labs/trustplane/pkg/check"
	"github.com/veridian-labs/trustplane/pkg/multisig"
	"github.com/veridian-labs/trustplane/pkg/observability"
	"github.com/veridian-labs/trustplane/pkg/policy"
	"github.com/veridian-labs/trustplane/pkg/promotion"
	"github.com/veridian-labs/trustplane/pkg/signer"
)

// flakySigner wraps a working signer with a switchable probe failure.
type flakySigner struct {
	*signer.Ed25519Signer
	fail bool
}

func (f *flakySigner) Probe(context.Context) error {
	if f.fail {
		return errors.New("backend unreachable")
	}
	return nil
}

type stubAllocator struct{ calls int }

func (a *stubAllocator) Allocate(context.Context, promotion.AllocationRequest) (*promotion.AllocationResult, error) {
	a.calls++
	return &promotion.AllocationResult{AllocationID: "alloc-1"}, nil
}

type serverFixture struct {
	ts        *httptest.Server
	reg       *policy.MemoryRegistry
	chain     *audit.Chain
	selection *signer.Selection
	flaky     *flakySigner
	approvers map[string]*signer.Ed25519Signer
	allocator *stubAllocator
	metrics   *observability.Metrics
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	ctx := context.Background()

	chainSigner, err := signer.NewEd25519Signer("chain-key")
	require.NoError(t, err)
	flaky := &flakySigner{Ed25519Signer: chainSigner}
	selection, err := signer.Select(ctx, false, flaky)
	require.NoError(t, err)

	reg := policy.NewMemoryRegistry()
	chain := audit.NewChain(audit.NewMemoryStore(), selection)
	ctrl := canary.NewController(reg, chain)
	checkSvc := check.NewService(reg, policy.NewEvaluator(), ctrl)

	signers := signer.NewRegistry()
	approvers := make(map[string]*signer.Ed25519Signer)
	for _, id := range []string{"sec-1", "sec-2", "sec-3"} {
		s, err := signer.NewEd25519Signer(id)
		require.NoError(t, err)
		require.NoError(t, signers.Register(signer.KeyRecord{
			KID:       id,
			Algorithm: signer.AlgEd25519,
			Backend:   signer.BackendLocal,
			Public:    s.PublicKey(),
		}))
		approvers[id] = s
	}
	upgrades := multisig.NewController(multisig.NewMemoryStore(), signers, chain,
		multisig.WithApplier(multisig.TargetPolicy, multisig.PolicyApplier{Registry: reg}))

	allocator := &stubAllocator{}
	promotions := promotion.NewOrchestrator(
		promotion.NewMemoryStore(), promotion.NewStaticSentinel(), allocator, chain)

	metrics := observability.NewMetrics("trustplane")
	srv := New("127.0.0.1:0", Deps{
		Chain:       chain,
		Policies:    reg,
		Check:       checkSvc,
		Upgrades:    upgrades,
		Promotions:  promotions,
		Signers:     selection,
		Metrics:     metrics,
		SLO:         observability.NewSLOTracker(),
		Auth:        auth.Middleware(nil, true),
		Limiter:     auth.NewRateLimiter(1000, 1000),
		Idempotency: NewMemoryIdempotencyStore(time.Hour),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{
		ts:        ts,
		reg:       reg,
		chain:     chain,
		selection: selection,
		flaky:     flaky,
		approvers: approvers,
		allocator: allocator,
		metrics:   metrics,
	}
}

// do issues a request with the given mesh roles; roles == "" sends no
// authentication at all.
func (f *serverFixture) do(t *testing.T, method, path, roles string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	if roles != "" {
		req.Header.Set(auth.RolesHeader, roles)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (f *serverFixture) createActivePolicy(t *testing.T, name, action string, effect policy.Effect) string {
	t.Helper()
	rule := fmt.Sprintf(`{"==": [{"var": "action"}, %q]}`, action)
	resp, raw := f.do(t, http.MethodPost, "/policy", "policy-admin", map[string]any{
		"name":     name,
		"severity": "HIGH",
		"rule":     json.RawMessage(rule),
		"metadata": map[string]any{"effect": string(effect), "canaryPercent": 100},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var created policy.Policy
	require.NoError(t, json.Unmarshal(raw, &created))

	for _, state := range []string{"simulating", "canary", "active"} {
		resp, raw = f.do(t, http.MethodPost, "/policy/"+created.ID+"/transition", "policy-admin",
			map[string]any{"to": state}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	}
	return created.ID
}

func TestServer_HealthAndReady(t *testing.T) {
	f := newServerFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := f.do(t, http.MethodGet, "/ready", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
}

func TestServer_ReadyDegradesWithSigner(t *testing.T) {
	f := newServerFixture(t)

	f.flaky.fail = true
	require.Error(t, f.selection.Probe(context.Background()))

	resp, raw := f.do(t, http.MethodGet, "/ready", "", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(raw), "not_ready")
}

func TestServer_AuthRequired(t *testing.T) {
	f := newServerFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/policy", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/policy", "viewer", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/policy", "policy-admin", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_PolicyLifecycleAndCheck(t *testing.T) {
	f := newServerFixture(t)
	id := f.createActivePolicy(t, "deny-deploys", "model.deploy", policy.EffectDeny)

	resp, raw := f.do(t, http.MethodGet, "/policy/"+id, "policy-admin", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got policy.Policy
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, policy.StateActive, got.State)

	resp, raw = f.do(t, http.MethodPost, "/check", "viewer",
		map[string]any{"action": "model.deploy"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var decision check.Decision
	require.NoError(t, json.Unmarshal(raw, &decision))
	assert.False(t, decision.Allowed)
	assert.Equal(t, id, decision.PolicyID)

	// unmatched action defaults to allow
	resp, raw = f.do(t, http.MethodPost, "/check", "viewer",
		map[string]any{"action": "model.archive"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &decision))
	assert.True(t, decision.Allowed)

	resp, raw = f.do(t, http.MethodGet, "/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `trustplane_check_decisions_total{decision="deny"} 1`)
	assert.Contains(t, string(raw), `trustplane_check_decisions_total{decision="allow"} 1`)
}

func TestServer_PolicyHistory(t *testing.T) {
	f := newServerFixture(t)
	id := f.createActivePolicy(t, "audited", "data.export", policy.EffectDeny)

	resp, raw := f.do(t, http.MethodGet, "/policy/"+id+"/history", "policy-admin", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		History []policy.HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.GreaterOrEqual(t, len(body.History), 4, "create plus three transitions")
}

func TestServer_AuditAppendGetSearchVerify(t *testing.T) {
	f := newServerFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/audit", "viewer",
		map[string]any{"event_type": "artifact.scanned", "payload": map[string]any{"ref": "model-v1"}}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "append requires audit-writer")

	resp, raw := f.do(t, http.MethodPost, "/audit", "audit-writer",
		map[string]any{"event_type": "artifact.scanned", "payload": map[string]any{"ref": "model-v1"}}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var ev audit.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.NotEmpty(t, ev.Hash)
	assert.NotEmpty(t, ev.Signature)

	resp, raw = f.do(t, http.MethodGet, "/audit/"+ev.ID, "viewer", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched audit.Event
	require.NoError(t, json.Unmarshal(raw, &fetched))
	assert.Equal(t, ev.Hash, fetched.Hash)

	resp, raw = f.do(t, http.MethodPost, "/audit/search", "viewer",
		map[string]any{"event_type": "artifact.scanned"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var search struct {
		Events []*audit.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(raw, &search))
	require.Len(t, search.Events, 1)

	resp, raw = f.do(t, http.MethodGet, "/audit/verify", "viewer", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `"ok":true`)

	resp, _ = f.do(t, http.MethodGet, "/audit/nonexistent", "viewer", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_IdempotentReplayAndConflict(t *testing.T) {
	f := newServerFixture(t)
	body := map[string]any{"event_type": "artifact.scanned", "payload": map[string]any{"ref": "model-v2"}}
	headers := map[string]string{"Idempotency-Key": "key-1"}

	resp, first := f.do(t, http.MethodPost, "/audit", "audit-writer", body, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Idempotent-Replay"))

	resp, second := f.do(t, http.MethodPost, "/audit", "audit-writer", body, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replay"))
	assert.JSONEq(t, string(first), string(second))

	resp, raw := f.do(t, http.MethodPost, "/audit", "audit-writer",
		map[string]any{"event_type": "artifact.scanned", "payload": map[string]any{"ref": "other"}}, headers)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(raw), "idempotency_key_reuse")
}

func TestServer_UpgradeFlow(t *testing.T) {
	f := newServerFixture(t)
	payload := map[string]any{"artifact_ref": "model-v4.0", "environment": "prod"}

	resp, raw := f.do(t, http.MethodPost, "/upgrade", "upgrade-admin", map[string]any{
		"target":             "artifact",
		"payload":            payload,
		"threshold_set":      []string{"sec-1", "sec-2", "sec-3"},
		"required_approvals": 2,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var m multisig.UpgradeManifest
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Equal(t, multisig.StatePending, m.State)

	digest, err := multisig.PayloadDigest(payload)
	require.NoError(t, err)

	// apply before quorum is rejected
	resp, raw = f.do(t, http.MethodPost, "/upgrade/"+m.ID+"/apply", "upgrade-admin", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "insufficient_approvals")

	for _, approver := range []string{"sec-1", "sec-2"} {
		sig, _, err := f.approvers[approver].Sign(context.Background(), digest)
		require.NoError(t, err)
		resp, raw = f.do(t, http.MethodPost, "/upgrade/"+m.ID+"/approve",
			"upgrade-approver", map[string]any{
				"signature": base64.StdEncoding.EncodeToString(sig),
			}, map[string]string{"x-sentinel-subject": approver})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	}

	resp, raw = f.do(t, http.MethodPost, "/upgrade/"+m.ID+"/apply", "upgrade-admin", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, multisig.StateApplied, m.State)

	resp, raw = f.do(t, http.MethodGet, "/upgrade/"+m.ID, "upgrade-approver", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "applied")
}

func TestServer_UpgradeApproveBodyApproverID(t *testing.T) {
	f := newServerFixture(t)
	payload := map[string]any{"artifact_ref": "model-v4.2"}

	resp, raw := f.do(t, http.MethodPost, "/upgrade", "upgrade-admin", map[string]any{
		"target":             "artifact",
		"payload":            payload,
		"threshold_set":      []string{"sec-1", "sec-2", "sec-3"},
		"required_approvals": 2,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var m multisig.UpgradeManifest
	require.NoError(t, json.Unmarshal(raw, &m))

	digest, err := multisig.PayloadDigest(payload)
	require.NoError(t, err)
	sig, _, err := f.approvers["sec-1"].Sign(context.Background(), digest)
	require.NoError(t, err)

	// approver named in the body only, no subject header
	resp, raw = f.do(t, http.MethodPost, "/upgrade/"+m.ID+"/approve",
		"upgrade-approver", map[string]any{
			"approver_id": "sec-1",
			"signature":   base64.StdEncoding.EncodeToString(sig),
		}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Len(t, m.Approvals, 1)
	assert.Equal(t, "sec-1", m.Approvals[0].ApproverID)

	// body approver_id that contradicts the authenticated subject is refused
	sig2, _, err := f.approvers["sec-2"].Sign(context.Background(), digest)
	require.NoError(t, err)
	resp, raw = f.do(t, http.MethodPost, "/upgrade/"+m.ID+"/approve",
		"upgrade-approver", map[string]any{
			"approver_id": "sec-2",
			"signature":   base64.StdEncoding.EncodeToString(sig2),
		}, map[string]string{"x-sentinel-subject": "sec-3"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(raw), "approver_mismatch")
}

func TestServer_UpgradeApproveOutsiderForbidden(t *testing.T) {
	f := newServerFixture(t)
	payload := map[string]any{"artifact_ref": "model-v4.1"}

	resp, raw := f.do(t, http.MethodPost, "/upgrade", "upgrade-admin", map[string]any{
		"target":             "artifact",
		"payload":            payload,
		"threshold_set":      []string{"sec-1", "sec-2", "sec-3"},
		"required_approvals": 2,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var m multisig.UpgradeManifest
	require.NoError(t, json.Unmarshal(raw, &m))

	digest, err := multisig.PayloadDigest(payload)
	require.NoError(t, err)
	sig, _, err := f.approvers["sec-1"].Sign(context.Background(), digest)
	require.NoError(t, err)

	resp, raw = f.do(t, http.MethodPost, "/upgrade/"+m.ID+"/approve",
		"upgrade-approver", map[string]any{
			"signature": base64.StdEncoding.EncodeToString(sig),
		}, map[string]string{"x-sentinel-subject": "intruder"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, string(raw))
}

func TestServer_PromotionScoreGate(t *testing.T) {
	f := newServerFixture(t)

	resp, raw := f.do(t, http.MethodPost, "/promotion", "viewer", map[string]any{
		"artifact_ref":    "model-v5.0",
		"reason":          "eval complete",
		"score":           0.5,
		"idempotency_key": "promo-1",
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(raw))
	var p promotion.Promotion
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, promotion.StatusFailed, p.Status)
	assert.Equal(t, 0, f.allocator.calls, "failed promotions never reach the allocator")
	assert.NotEmpty(t, p.EventID)

	resp, raw = f.do(t, http.MethodGet, "/promotion/"+p.ID, "viewer", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "failed")
}

func TestServer_PromotionAccepted(t *testing.T) {
	f := newServerFixture(t)

	resp, raw := f.do(t, http.MethodPost, "/promotion", "viewer", map[string]any{
		"artifact_ref":    "model-v5.1",
		"reason":          "eval complete",
		"score":           0.95,
		"idempotency_key": "promo-2",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var p promotion.Promotion
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, promotion.StatusAccepted, p.Status)
	assert.Equal(t, 1, f.allocator.calls)
}

func TestServer_RateLimitOnCheck(t *testing.T) {
	f := newServerFixture(t)

	chainSigner, err := signer.NewEd25519Signer("chain-key")
	require.NoError(t, err)
	reg := policy.NewMemoryRegistry()
	chain := audit.NewChain(audit.NewMemoryStore(), chainSigner)
	checkSvc := check.NewService(reg, policy.NewEvaluator(), canary.NewController(reg, chain))

	srv := New("127.0.0.1:0", Deps{
		Chain:    chain,
		Policies: reg,
		Check:    checkSvc,
		Auth:     auth.Middleware(nil, true),
		Limiter:  auth.NewRateLimiter(0.5, 1),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	f.ts = ts

	resp, _ := f.do(t, http.MethodPost, "/check", "viewer", map[string]any{"action": "a"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/check", "viewer", map[string]any{"action": "a"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestServer_CORSPreflightNeedsNoCredentials(t *testing.T) {
	f := newServerFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/policy", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), auth.RolesHeader)
}

func TestServer_ValidationErrors(t *testing.T) {
	f := newServerFixture(t)

	resp, raw := f.do(t, http.MethodPost, "/check", "viewer", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(raw))

	resp, _ = f.do(t, http.MethodPost, "/audit", "audit-writer", map[string]any{"payload": map[string]any{}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/policy/nonexistent", "policy-admin", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
