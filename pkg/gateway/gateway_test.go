package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/explaindio/musetalk-container/pkg/metrics"
	"github.com/explaindio/musetalk-container/pkg/types"
)

type recordingSink struct {
	phases    []string
	fractions []float64
}

func (s *recordingSink) Started(_ context.Context, phase string, fraction float64) {
	s.phases = append(s.phases, phase)
	s.fractions = append(s.fractions, fraction)
}

func endpoint(t *testing.T, code int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func testJob() types.Job {
	return types.Job{
		ID: "job-42",
		Inputs: map[string]any{
			"video_url": "https://x/v.mp4",
			"audio_url": "https://x/a.wav",
		},
	}
}

func TestExecuteClassification(t *testing.T) {
	tests := []struct {
		name          string
		code          int
		body          string
		wantSucceeded bool
		wantOutput    string
		wantKind      types.ErrorKind
		wantType      string
		wantStage     string
		wantRetryable bool
		wantMessage   string
	}{
		{
			name:          "succeeded",
			code:          http.StatusOK,
			body:          `{"status":"succeeded","output_url":"https://x/y.mp4","metrics":{"total_ms":900}}`,
			wantSucceeded: true,
			wantOutput:    "https://x/y.mp4",
		},
		{
			name:          "ok with bucket reference",
			code:          http.StatusOK,
			body:          `{"status":"ok","b2_bucket":"videos","b2_file_name":"job-42.mp4"}`,
			wantSucceeded: true,
			wantOutput:    "b2://videos/job-42.mp4",
		},
		{
			name:          "media error",
			code:          http.StatusUnprocessableEntity,
			body:          `{"status":"failed","error":"audio has no speech","error_type":"media_error","stage":"validation","retryable":false,"details":{"duration":0}}`,
			wantKind:      types.ErrorKindMedia,
			wantType:      types.ErrorTypeMedia,
			wantStage:     types.StageValidation,
			wantRetryable: false,
			wantMessage:   "audio has no speech",
		},
		{
			name:          "processing error",
			code:          http.StatusInternalServerError,
			body:          `{"status":"failed","error":"upload rejected","error_type":"processing_error","stage":"upload","retryable":true,"stack_trace":"Traceback..."}`,
			wantKind:      types.ErrorKindProcessing,
			wantType:      types.ErrorTypeProcessing,
			wantStage:     types.StageUpload,
			wantRetryable: true,
			wantMessage:   "upload rejected",
		},
		{
			name:          "declared error type kept verbatim",
			code:          http.StatusInternalServerError,
			body:          `{"error":"bucket unavailable","error_type":"upload_error","stage":"upload","retryable":true}`,
			wantKind:      types.ErrorKindProcessing,
			wantType:      "upload_error",
			wantStage:     types.StageUpload,
			wantRetryable: true,
			wantMessage:   "bucket unavailable",
		},
		{
			name:        "unknown error type without stage",
			code:        http.StatusInternalServerError,
			body:        `{"error":"odd","error_type":"weird_error"}`,
			wantKind:    types.ErrorKindProcessing,
			wantType:    "weird_error",
			wantStage:   types.StageGenerate,
			wantMessage: "odd",
		},
		{
			name:        "failed without error type",
			code:        http.StatusOK,
			body:        `{"status":"failed","error":"CUDA out of memory"}`,
			wantKind:    types.ErrorKindProcessing,
			wantType:    types.ErrorTypeProcessing,
			wantStage:   types.StageGenerate,
			wantMessage: "CUDA out of memory",
		},
		{
			name:        "bare server error",
			code:        http.StatusBadGateway,
			body:        `<html>bad gateway</html>`,
			wantKind:    types.ErrorKindProcessing,
			wantType:    types.ErrorTypeProcessing,
			wantStage:   types.StageGenerate,
			wantMessage: "HTTP 502: Bad Gateway",
		},
		{
			name:        "ok status on error code",
			code:        http.StatusInternalServerError,
			body:        `{"status":"ok"}`,
			wantKind:    types.ErrorKindProcessing,
			wantType:    types.ErrorTypeProcessing,
			wantStage:   types.StageGenerate,
			wantMessage: "HTTP 500: Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := endpoint(t, tt.code, tt.body)
			g := New(Config{GenerateURL: server.URL})

			res := g.Execute(context.Background(), testJob(), nil)
			require.NotNil(t, res)
			assert.Equal(t, tt.wantSucceeded, res.Succeeded())

			if tt.wantSucceeded {
				assert.Nil(t, res.Err)
				assert.Equal(t, tt.wantOutput, res.OutputURL)
				return
			}

			require.NotNil(t, res.Err)
			assert.Equal(t, tt.wantKind, res.Err.Kind)
			assert.Equal(t, tt.wantType, res.Err.ErrorType())
			assert.Equal(t, tt.wantStage, res.Err.Stage)
			assert.Equal(t, tt.wantRetryable, res.Err.Retryable)
			assert.Equal(t, tt.wantMessage, res.Err.Message)
			assert.Equal(t, 0, g.Session().Rebuilds())
		})
	}
}

func TestExecuteMediaDetailsForwarded(t *testing.T) {
	server := endpoint(t, http.StatusUnprocessableEntity,
		`{"error":"video not found","error_type":"media_error","stage":"download","details":{"url":"https://x/v.mp4","http_status":404}}`)

	res := New(Config{GenerateURL: server.URL}).Execute(context.Background(), testJob(), nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, types.ErrorTypeMedia, res.Err.ErrorType())
	assert.Equal(t, "https://x/v.mp4", res.Err.Details["url"])
}

func TestExecuteTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	g := New(Config{GenerateURL: url})
	res := g.Execute(context.Background(), testJob(), nil)

	require.NotNil(t, res.Err)
	assert.Equal(t, types.ErrorKindProcessing, res.Err.Kind)
	assert.Equal(t, types.StageGenerate, res.Err.Stage)
	assert.True(t, res.Err.Retryable)
	assert.Equal(t, 1, g.Session().Rebuilds())
}

func TestExecuteTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	g := New(Config{GenerateURL: server.URL, Timeout: 50 * time.Millisecond})
	res := g.Execute(context.Background(), testJob(), nil)

	require.NotNil(t, res.Err)
	assert.True(t, res.Err.Retryable)
	assert.Contains(t, res.Err.Message, "timed out")
	assert.Equal(t, 1, g.Session().Rebuilds())
}

func TestExecuteSendsStartedFirst(t *testing.T) {
	sink := &recordingSink{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Len(t, sink.phases, 1, "started report precedes the call")
		_, _ = w.Write([]byte(`{"status":"succeeded","output_url":"o"}`))
	}))
	defer server.Close()

	res := New(Config{GenerateURL: server.URL}).Execute(context.Background(), testJob(), sink)
	assert.True(t, res.Succeeded())
	assert.Equal(t, []string{types.PhaseDownloading}, sink.phases)
	assert.Equal(t, []float64{0.05}, sink.fractions)
}

func TestExecuteRequestBody(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status":"succeeded"}`))
	}))
	defer server.Close()

	job := testJob()
	job.Inputs["resolution"] = "720x1280"
	New(Config{GenerateURL: server.URL}).Execute(context.Background(), job, nil)

	assert.Equal(t, "job-42", got["musetalk_job_id"])
	assert.Equal(t, "job-42", got["job_id"])
	assert.Equal(t, "https://x/v.mp4", got["video_url"])
	assert.Equal(t, "1:1", got["aspect_ratio"])
	assert.Equal(t, "720x1280", got["resolution"])
	assert.Equal(t, map[string]any{}, got["params"])
}

func TestReady(t *testing.T) {
	assert.True(t, New(Config{GenerateURL: "http://unused"}).Ready(context.Background()), "probe disabled")

	var loaded atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "model_loaded": loaded.Load()})
	}))
	defer server.Close()

	g := New(Config{GenerateURL: server.URL + "/generate", HealthURL: server.URL + "/health"})
	assert.False(t, g.Ready(context.Background()))

	loaded.Store(true)
	assert.True(t, g.Ready(context.Background()))
}

func TestExecuteRecordsDuration(t *testing.T) {
	server := endpoint(t, http.StatusOK, `{"status":"succeeded","output_url":"https://x/y.mp4"}`)
	g := New(Config{GenerateURL: server.URL})

	res := g.Execute(context.Background(), testJob(), nil)
	require.True(t, res.Succeeded())
	assert.Positive(t, res.Duration)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(metrics.JobDuration, "gpuworker_job_duration_seconds"), 1)
}
