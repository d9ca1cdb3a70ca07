package signer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Selection holds the runtime signer choice plus its health state. The
// readiness endpoint reports which backend answered; a probe failure after
// startup demotes readiness and blocks signing while reads stay available.
type Selection struct {
	mu       sync.RWMutex
	active   Signer
	backends []Signer
	healthy  bool
	lastErr  error
	logger   *slog.Logger
}

// Select probes backends in order and activates the first that answers.
// requireAsymmetric enforces the production guard: when set, a backend with
// a symmetric algorithm can never be selected and the call fails if no
// asymmetric backend passes its probe.
func Select(ctx context.Context, requireAsymmetric bool, backends ...Signer) (*Selection, error) {
	sel := &Selection{
		backends: backends,
		logger:   slog.Default().With("component", "signer"),
	}

	for _, b := range backends {
		if requireAsymmetric && !Asymmetric(b.Algorithm()) {
			sel.logger.Warn("skipping symmetric backend under REQUIRE_KMS", "backend", b.Backend(), "kid", b.KID())
			continue
		}
		if err := b.Probe(ctx); err != nil {
			sel.logger.Warn("signer probe failed", "backend", b.Backend(), "kid", b.KID(), "error", err)
			sel.lastErr = err
			continue
		}
		sel.active = b
		sel.healthy = true
		sel.logger.Info("signer selected", "backend", b.Backend(), "kid", b.KID(), "algorithm", b.Algorithm())
		return sel, nil
	}

	if sel.lastErr != nil {
		return nil, fmt.Errorf("no signer backend passed probe: %w", sel.lastErr)
	}
	return nil, fmt.Errorf("no eligible signer backend configured")
}

// Sign delegates to the active backend. It fails fast when the selection is
// degraded rather than producing rows a later verify would reject.
func (s *Selection) Sign(ctx context.Context, digest [32]byte) ([]byte, string, error) {
	s.mu.RLock()
	active, healthy := s.active, s.healthy
	s.mu.RUnlock()

	if active == nil || !healthy {
		return nil, "", ErrUnavailable
	}
	return active.Sign(ctx, digest)
}

// Probe re-checks the active backend and updates health state.
func (s *Selection) Probe(ctx context.Context) error {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	if active == nil {
		return ErrUnavailable
	}

	err := active.Probe(ctx)
	s.mu.Lock()
	s.healthy = err == nil
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("active signer probe failed, readiness degraded",
			"backend", active.Backend(), "kid", active.KID(), "error", err)
	}
	return err
}

// StartProbeLoop re-probes the active backend on the given interval until
// ctx is cancelled.
func (s *Selection) StartProbeLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Probe(ctx)
			}
		}
	}()
}

// Healthy reports whether the active backend answered its last probe.
func (s *Selection) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// Status describes the selection for the readiness endpoint.
func (s *Selection) Status() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := map[string]any{"healthy": s.healthy}
	if s.active != nil {
		st["backend"] = string(s.active.Backend())
		st["kid"] = s.active.KID()
		st["algorithm"] = string(s.active.Algorithm())
	}
	if s.lastErr != nil {
		st["last_error"] = s.lastErr.Error()
	}
	return st
}

func (s *Selection) KID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return ""
	}
	return s.active.KID()
}

func (s *Selection) Algorithm() Algorithm {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return ""
	}
	return s.active.Algorithm()
}

func (s *Selection) Backend() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return ""
	}
	return s.active.Backend()
}
