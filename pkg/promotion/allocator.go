package promotion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// Allocator provisions resources for an accepted promotion.
type Allocator interface {
	Allocate(ctx context.Context, req AllocationRequest) (*AllocationResult, error)
}

// AllocationRequest is the body posted to the allocator.
type AllocationRequest struct {
	ArtifactRef string         `json:"artifact_ref"`
	Environment string         `json:"environment,omitempty"`
	Pool        string         `json:"pool,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	Evaluation  map[string]any `json:"evaluation,omitempty"`
}

// AllocationResult is the allocator's answer.
type AllocationResult struct {
	AllocationID string `json:"allocation_id"`
	Pool         string `json:"pool,omitempty"`
}

// HTTPAllocator talks to the external resource allocator.
type HTTPAllocator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAllocator builds a client for the allocator at baseURL.
func NewHTTPAllocator(baseURL string) *HTTPAllocator {
	return &HTTPAllocator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Allocate posts the request to /allocate. Non-2xx answers surface as
// transient errors so the orchestrator records a retryable failure.
func (a *HTTPAllocator) Allocate(ctx context.Context, req AllocationRequest) (*AllocationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("allocator: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/allocate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransient, "allocator_unreachable", "allocator call failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errdefs.New(errdefs.KindTransient, "allocator_error",
			fmt.Sprintf("allocator returned %d: %s", resp.StatusCode, msg))
	}

	var result AllocationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("allocator: decode response: %w", err)
	}
	return &result, nil
}
