package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/explaindio/musetalk-container/pkg/types"
)

var testIdentity = types.WorkerIdentity{
	WorkerID:   "worker-abc",
	WorkerType: "main",
	Provider:   "salad",
	GPUClass:   "rtx3060",
}

func TestHeartbeatPayload(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/main/workers/worker-abc/heartbeat", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get(APIKeyHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	o := NewOrchestrator(server.URL+"/", "key", testIdentity)
	cores := 16
	err := o.Heartbeat(context.Background(), NewSession("test"),
		types.WorkerSnapshot{Status: types.WorkerStatusIdle},
		&types.SystemMetrics{CPUCoresLogical: &cores})
	require.NoError(t, err)

	assert.Equal(t, "idle", got["status"])
	assert.Contains(t, got, "current_job_id")
	assert.Nil(t, got["current_job_id"])
	assert.Equal(t, "salad", got["provider"])
	assert.Equal(t, "rtx3060", got["gpu_class"])
	assert.Equal(t, "main", got["worker_type"])
	assert.Equal(t, map[string]any{"cpu_cores_logical": float64(16)}, got["system_info"])
}

func TestHeartbeatBusyCarriesJobID(t *testing.T) {
	var got HeartbeatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	o := NewOrchestrator(server.URL, "key", testIdentity)
	require.NoError(t, o.Heartbeat(context.Background(), NewSession("test"),
		types.WorkerSnapshot{Status: types.WorkerStatusBusy, CurrentJobID: "job-42"}, nil))

	require.NotNil(t, got.CurrentJobID)
	assert.Equal(t, "job-42", *got.CurrentJobID)
	assert.Equal(t, types.WorkerStatusBusy, got.Status)
}

func TestHeartbeatNon200IsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad key"))
	}))
	defer server.Close()

	o := NewOrchestrator(server.URL, "key", testIdentity)
	err := o.Heartbeat(context.Background(), NewSession("test"), types.WorkerSnapshot{Status: types.WorkerStatusIdle}, nil)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, "bad key", se.Body)
	assert.False(t, IsTransport(err))
}

func TestHeartbeatConnectionRefusedIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	o := NewOrchestrator(addr, "key", testIdentity)
	err := o.Heartbeat(context.Background(), NewSession("test"), types.WorkerSnapshot{Status: types.WorkerStatusIdle}, nil)
	assert.True(t, IsTransport(err))
}

func TestHeartbeatTimeoutIsTransport(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	o := NewOrchestrator(server.URL, "key", testIdentity)
	o.HeartbeatTimeout = 50 * time.Millisecond

	err := o.Heartbeat(context.Background(), NewSession("test"), types.WorkerSnapshot{Status: types.WorkerStatusIdle}, nil)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Timeout())
}

func TestClaim(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantJobID string
		wantErr   string
		transport bool
	}{
		{name: "job", status: 200, body: `{"job":{"job_id":"job-42","video_url":"https://x/v.mp4"}}`, wantJobID: "job-42"},
		{name: "no job", status: 200, body: `{"job":null}`},
		{name: "error body", status: 200, body: `{"error":"worker paused"}`, wantErr: "worker paused"},
		{name: "non-200", status: 503, body: `down`},
		{name: "garbage", status: 200, body: `<html>`, transport: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req ClaimRequest
				_ = json.NewDecoder(r.Body).Decode(&req)
				assert.Equal(t, "/internal/main/jobs/claim", r.URL.Path)
				assert.Equal(t, "worker-abc", req.WorkerID)
				assert.Equal(t, "rtx3060", req.GPUClass)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			o := NewOrchestrator(server.URL, "key", testIdentity)
			resp, err := o.Claim(context.Background(), NewSession("test"))

			switch {
			case tt.transport:
				assert.True(t, IsTransport(err))
			case tt.status != 200:
				var se *StatusError
				assert.True(t, errors.As(err, &se))
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantErr, resp.Error)
				if tt.wantJobID == "" {
					assert.Nil(t, resp.Job)
				} else {
					require.NotNil(t, resp.Job)
					assert.Equal(t, tt.wantJobID, resp.Job.ID)
				}
			}
		})
	}
}

func TestReportProgress(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/jobs/job-42/progress", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	o := NewOrchestrator(server.URL, "key", testIdentity)
	err := o.ReportProgress(context.Background(), NewSession("test"), types.ProgressReport{
		JobID:     "job-42",
		Status:    types.ProgressSucceeded,
		Progress:  1.0,
		Phase:     types.PhaseCompleted,
		OutputURL: "https://x/y.mp4",
	})
	require.NoError(t, err)

	assert.Equal(t, "succeeded", got["status"])
	assert.Equal(t, 1.0, got["progress"])
	assert.Equal(t, "worker-abc", got["worker_id"])
	assert.Equal(t, "https://x/y.mp4", got["output_url"])
	assert.NotContains(t, got, "job_id")
}

type countingTransport struct {
	created *atomic.Int32
	closed  *atomic.Int32
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return nil, errors.New("connection reset by peer")
}

func (c *countingTransport) CloseIdleConnections() {
	c.closed.Add(1)
}

func TestSessionRebuild(t *testing.T) {
	var created, closed atomic.Int32
	s := NewSessionWithTransport("heartbeat", func() http.RoundTripper {
		created.Add(1)
		return &countingTransport{created: &created, closed: &closed}
	})
	assert.Equal(t, int32(1), created.Load())

	req, _ := http.NewRequest(http.MethodGet, "http://orch.invalid/", nil)
	_, err := s.Do("probe", req)
	assert.True(t, IsTransport(err))

	s.Rebuild()
	s.Rebuild()

	assert.Equal(t, int32(3), created.Load())
	assert.Equal(t, int32(2), closed.Load())
	assert.Equal(t, 2, s.Rebuilds())
	assert.Equal(t, "heartbeat", s.Name())
}
