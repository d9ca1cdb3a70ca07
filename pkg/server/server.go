// Package server exposes the control plane over HTTP: policy lifecycle,
// synchronous checks, audit reads and writes, multisig upgrades and
// promotions, plus health, readiness and metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/veridian-labs/trustplane/pkg/audit"
	"github.com/veridian-labs/trustplane/pkg/auth"
	"github.com/veridian-labs/trustplane/pkg/check"
	"github.com/veridian-labs/trustplane/pkg/multisig"
	"github.com/veridian-labs/trustplane/pkg/observability"
	"github.com/veridian-labs/trustplane/pkg/policy"
	"github.com/veridian-labs/trustplane/pkg/promotion"
	"github.com/veridian-labs/trustplane/pkg/signer"
)

// Deps collects the wired components behind the HTTP surface.
type Deps struct {
	Chain      *audit.Chain
	Policies   policy.Registry
	Check      *check.Service
	Upgrades   *multisig.Controller
	Promotions *promotion.Orchestrator
	Signers    *signer.Selection
	Metrics    *observability.Metrics
	SLO        *observability.SLOTracker

	Auth        func(http.Handler) http.Handler
	Limiter     *auth.RateLimiter
	Idempotency IdempotencyStore
	CORSOrigins []string
}

// Server is the HTTP front of the control plane.
type Server struct {
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

// New builds a server listening on addr.
func New(addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: slog.Default().With("component", "server"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Handler assembles the route table and middleware stack.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	checkHandler := http.HandlerFunc(s.handleCheck)
	if s.deps.Limiter != nil {
		mux.Handle("POST /check", s.deps.Limiter.Middleware(checkHandler))
	} else {
		mux.Handle("POST /check", checkHandler)
	}

	policyAdmin := func(h http.HandlerFunc) http.Handler {
		return auth.RequireRoles(h, auth.RolePolicyAdmin)
	}
	mux.Handle("GET /policy", policyAdmin(s.handlePolicyList))
	mux.Handle("POST /policy", policyAdmin(s.handlePolicyCreate))
	mux.Handle("GET /policy/{id}", policyAdmin(s.handlePolicyGet))
	mux.Handle("PUT /policy/{id}", policyAdmin(s.handlePolicyUpdate))
	mux.Handle("POST /policy/{id}/transition", policyAdmin(s.handlePolicyTransition))
	mux.Handle("GET /policy/{id}/history", policyAdmin(s.handlePolicyHistory))

	mux.Handle("POST /upgrade", auth.RequireRoles(
		http.HandlerFunc(s.handleUpgradeSubmit), auth.RoleUpgradeAdmin))
	mux.Handle("GET /upgrade/{id}", auth.RequireRoles(
		http.HandlerFunc(s.handleUpgradeGet), auth.RoleUpgradeApprover, auth.RoleUpgradeAdmin))
	mux.Handle("POST /upgrade/{id}/approve", auth.RequireRoles(
		http.HandlerFunc(s.handleUpgradeApprove), auth.RoleUpgradeApprover))
	mux.Handle("POST /upgrade/{id}/apply", auth.RequireRoles(
		http.HandlerFunc(s.handleUpgradeApply), auth.RoleUpgradeAdmin))
	mux.Handle("POST /upgrade/{id}/reject", auth.RequireRoles(
		http.HandlerFunc(s.handleUpgradeReject), auth.RoleUpgradeAdmin))

	mux.Handle("POST /audit", auth.RequireRoles(
		http.HandlerFunc(s.handleAuditAppend), auth.RoleAuditWriter))
	mux.HandleFunc("GET /audit/{id}", s.handleAuditGet)
	mux.HandleFunc("POST /audit/search", s.handleAuditSearch)
	mux.HandleFunc("GET /audit/verify", s.handleAuditVerify)

	mux.HandleFunc("POST /promotion", s.handlePromotionCreate)
	mux.HandleFunc("GET /promotion/{id}", s.handlePromotionGet)

	var handler http.Handler = mux
	if s.deps.Idempotency != nil {
		handler = IdempotencyMiddleware(s.deps.Idempotency)(handler)
	}
	if s.deps.Auth != nil {
		handler = s.deps.Auth(handler)
	}
	// outside auth so preflights need no credentials
	handler = auth.CORSMiddleware(s.deps.CORSOrigins)(handler)
	if s.deps.Metrics != nil {
		handler = s.deps.Metrics.HTTPMiddleware(handler)
	}
	return auth.RequestIDMiddleware(handler)
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness: the signer must have answered its last
// probe and the chain must not be degraded. Not ready answers 503 so load
// balancers stop routing writes here.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ready"}
	ready := true

	if s.deps.Signers != nil {
		body["signer"] = s.deps.Signers.Status()
		if !s.deps.Signers.Healthy() {
			ready = false
		}
	}
	if s.deps.Chain != nil && s.deps.Chain.Degraded() {
		body["audit_chain"] = "degraded"
		ready = false
	}

	if !ready {
		body["status"] = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}
