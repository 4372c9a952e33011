package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/explaindio/musetalk-container/pkg/types"
)

// APIKeyHeader carries the shared internal API key
const APIKeyHeader = "X-Internal-API-Key"

// Default per-call timeouts
const (
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultClaimTimeout     = 15 * time.Second
	DefaultProgressTimeout  = 10 * time.Second
)

// maxErrorBody bounds how much of an error response is kept for logs
const maxErrorBody = 200

// Orchestrator describes the orchestrator's worker-facing API. It holds no
// connections; callers pass the Session owned by their activity.
type Orchestrator struct {
	baseURL  string
	apiKey   string
	identity types.WorkerIdentity

	HeartbeatTimeout time.Duration
	ClaimTimeout     time.Duration
	ProgressTimeout  time.Duration
}

// NewOrchestrator creates an orchestrator client for the given identity
func NewOrchestrator(baseURL, apiKey string, identity types.WorkerIdentity) *Orchestrator {
	return &Orchestrator{
		baseURL:          strings.TrimRight(baseURL, "/"),
		apiKey:           apiKey,
		identity:         identity,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		ClaimTimeout:     DefaultClaimTimeout,
		ProgressTimeout:  DefaultProgressTimeout,
	}
}

// Identity returns the identity the client reports
func (o *Orchestrator) Identity() types.WorkerIdentity {
	return o.identity
}

// HeartbeatRequest is the heartbeat body
type HeartbeatRequest struct {
	Status       types.WorkerStatus   `json:"status"`
	CurrentJobID *string              `json:"current_job_id"`
	Provider     string               `json:"provider"`
	GPUClass     string               `json:"gpu_class"`
	WorkerType   string               `json:"worker_type"`
	SystemInfo   *types.SystemMetrics `json:"system_info,omitempty"`
}

// ClaimRequest is the claim body
type ClaimRequest struct {
	WorkerID   string `json:"worker_id"`
	WorkerType string `json:"worker_type"`
	GPUClass   string `json:"gpu_class"`
}

// ClaimResponse is the claim answer. Job is nil when nothing is pending.
type ClaimResponse struct {
	Job   *types.Job `json:"job"`
	Error string     `json:"error,omitempty"`
}

// Heartbeat reports the worker snapshot. It returns a *TransportError on
// connection faults and a *StatusError on any status other than 200.
func (o *Orchestrator) Heartbeat(ctx context.Context, s *Session, snap types.WorkerSnapshot, sys *types.SystemMetrics) error {
	body := HeartbeatRequest{
		Status:     snap.Status,
		Provider:   o.identity.Provider,
		GPUClass:   o.identity.GPUClass,
		WorkerType: o.identity.WorkerType,
		SystemInfo: sys,
	}
	if snap.CurrentJobID != "" {
		id := snap.CurrentJobID
		body.CurrentJobID = &id
	}

	path := fmt.Sprintf("/internal/main/workers/%s/heartbeat", url.PathEscape(o.identity.WorkerID))
	resp, err := o.post(ctx, s, "heartbeat", path, o.HeartbeatTimeout, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("heartbeat", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Claim asks for at most one job. A non-200 answer is a *StatusError; an
// undecodable body is treated as a protocol fault and returned as a
// *TransportError.
func (o *Orchestrator) Claim(ctx context.Context, s *Session) (*ClaimResponse, error) {
	body := ClaimRequest{
		WorkerID:   o.identity.WorkerID,
		WorkerType: o.identity.WorkerType,
		GPUClass:   o.identity.GPUClass,
	}

	resp, err := o.post(ctx, s, "claim", "/internal/main/jobs/claim", o.ClaimTimeout, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("claim", resp)
	}

	var out ClaimResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Op: "claim", Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return &out, nil
}

// ReportProgress sends one progress report
func (o *Orchestrator) ReportProgress(ctx context.Context, s *Session, r types.ProgressReport) error {
	if r.WorkerID == "" {
		r.WorkerID = o.identity.WorkerID
	}

	path := fmt.Sprintf("/internal/jobs/%s/progress", url.PathEscape(r.JobID))
	resp, err := o.post(ctx, s, "progress", path, o.ProgressTimeout, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("progress", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (o *Orchestrator) post(ctx context.Context, s *Session, op, path string, timeout time.Duration, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
	}

	// The timeout covers reading the body too, so the cancel func is tied to it
	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, o.apiKey)

	resp, err := s.Do(op, req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the request context once the body is closed
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func statusError(op string, resp *http.Response) *StatusError {
	text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(text)),
	}
}
