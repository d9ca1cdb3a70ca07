package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// StoredResponse is a previously committed response held for replay.
type StoredResponse struct {
	RequestHash string
	StatusCode  int
	Body        []byte
	StoredAt    time.Time
}

// IdempotencyStore persists responses keyed by Idempotency-Key.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (*StoredResponse, error)
	Save(ctx context.Context, key string, resp *StoredResponse) error
}

// MemoryIdempotencyStore keeps responses in process memory with a TTL.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*StoredResponse
	ttl     time.Duration
	clock   func() time.Time
}

// NewMemoryIdempotencyStore creates an in-memory store. Entries expire
// lazily on lookup after ttl.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*StoredResponse),
		ttl:     ttl,
		clock:   time.Now,
	}
}

func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key string) (*StoredResponse, error) {
	s.mu.RLock()
	resp, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.clock().Sub(resp.StoredAt) > s.ttl {
		return nil, nil
	}
	return resp, nil
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, key string, resp *StoredResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.StoredAt.IsZero() {
		resp.StoredAt = s.clock()
	}
	s.entries[key] = resp
	return nil
}

type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.status = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

func requestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// IdempotencyMiddleware makes mutating requests carrying an Idempotency-Key
// exactly-once: a repeat with the same key and body replays the stored
// response without side effects, while the same key with a different body is
// a conflict.
func IdempotencyMiddleware(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
			if err != nil {
				writeError(w, errdefs.Wrap(errdefs.KindValidation, "invalid_body", "request body unreadable", err))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			hash := requestHash(body)

			stored, err := store.Lookup(r.Context(), key)
			if err != nil {
				writeError(w, errdefs.Wrap(errdefs.KindTransient, "idempotency_unavailable", "idempotency lookup failed", err))
				return
			}
			if stored != nil {
				if stored.RequestHash != hash {
					writeError(w, errdefs.New(errdefs.KindConflict, "idempotency_key_reuse",
						"idempotency key was used with a different request body"))
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(stored.StatusCode)
				_, _ = w.Write(stored.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.status >= 200 && capture.status < 300 {
				_ = store.Save(r.Context(), key, &StoredResponse{
					RequestHash: hash,
					StatusCode:  capture.status,
					Body:        capture.body.Bytes(),
				})
			}
		})
	}
}
