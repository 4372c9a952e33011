// Package gateway runs a job on the local processing endpoint and turns its
// answer into a classified ExecutionResult.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/explaindio/musetalk-container/pkg/client"
	"github.com/explaindio/musetalk-container/pkg/health"
	"github.com/explaindio/musetalk-container/pkg/log"
	"github.com/explaindio/musetalk-container/pkg/metrics"
	"github.com/explaindio/musetalk-container/pkg/types"
)

const (
	DefaultTimeout = 600 * time.Second

	defaultAspectRatio = "1:1"
	defaultResolution  = "512x512"

	// startedFraction is reported before the endpoint is called
	startedFraction = 0.05

	maxResponseBody = 4 << 20
)

// ProgressSink receives the work-started report
type ProgressSink interface {
	Started(ctx context.Context, phase string, fraction float64)
}

// Config configures the gateway
type Config struct {
	GenerateURL string

	// HealthURL is probed before claiming work. Empty disables the probe.
	HealthURL string

	Timeout time.Duration
}

// Gateway owns the session used to talk to the local endpoint
type Gateway struct {
	url     string
	timeout time.Duration
	session *client.Session
	logger  zerolog.Logger

	checker   *health.HTTPChecker
	healthCfg health.Config

	mu     sync.Mutex
	status *health.Status
}

// New creates a gateway
func New(cfg Config) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	g := &Gateway{
		url:       cfg.GenerateURL,
		timeout:   timeout,
		session:   client.NewSession("gateway"),
		logger:    log.WithComponent("gateway"),
		healthCfg: health.DefaultConfig(),
		status:    health.NewStatus(),
	}
	if cfg.HealthURL != "" {
		g.checker = health.NewHTTPChecker(cfg.HealthURL).WithTimeout(g.healthCfg.Timeout)
	}
	return g
}

// Session returns the gateway's HTTP session
func (g *Gateway) Session() *client.Session {
	return g.session
}

// Ready probes the local endpoint. It is always true when no health URL is
// configured.
func (g *Gateway) Ready(ctx context.Context) bool {
	if g.checker == nil {
		metrics.UpdateComponent(metrics.ComponentGenerator, true, "probe disabled")
		return true
	}

	result := g.checker.Check(ctx)

	g.mu.Lock()
	wasHealthy := g.status.Healthy
	g.status.Update(result, g.healthCfg)
	healthy := g.status.Healthy
	g.mu.Unlock()

	metrics.UpdateComponent(metrics.ComponentGenerator, healthy, result.Message)
	if healthy != wasHealthy {
		g.logger.Info().
			Bool("ready", healthy).
			Str("message", result.Message).
			Dur("probe_duration", result.Duration).
			Msg("Local endpoint readiness changed")
	}
	return healthy
}

// generateResponse is the local endpoint's answer. The same shape is used
// for success (200) and failure (422 media, 500 processing).
type generateResponse struct {
	Status     string         `json:"status"`
	OutputURL  string         `json:"output_url"`
	Metrics    map[string]any `json:"metrics"`
	Error      any            `json:"error"`
	ErrorType  string         `json:"error_type"`
	Stage      string         `json:"stage"`
	Retryable  *bool          `json:"retryable"`
	Details    map[string]any `json:"details"`
	StackTrace string         `json:"stack_trace"`
	B2Bucket   string         `json:"b2_bucket"`
	B2FileName string         `json:"b2_file_name"`
}

// Execute runs job on the local endpoint. It always returns a result; every
// failure is classified into result.Err.
func (g *Gateway) Execute(ctx context.Context, job types.Job, sink ProgressSink) *types.ExecutionResult {
	logger := g.logger.With().Str("job_id", job.ID).Logger()
	timer := metrics.NewTimer()

	if sink != nil {
		sink.Started(ctx, types.PhaseDownloading, startedFraction)
	}

	result := g.execute(ctx, job, logger)
	result.Duration = timer.Duration()
	timer.ObserveDurationVec(metrics.JobDuration, string(result.Status))

	if result.Succeeded() {
		logger.Info().
			Str("output_url", result.OutputURL).
			Dur("duration", result.Duration).
			Msg("Job succeeded")
	} else {
		logger.Error().
			Str("error_kind", string(result.Err.Kind)).
			Str("stage", result.Err.Stage).
			Bool("retryable", result.Err.Retryable).
			Dur("duration", result.Duration).
			Msg(result.Err.Message)
	}
	return result
}

func (g *Gateway) execute(ctx context.Context, job types.Job, logger zerolog.Logger) *types.ExecutionResult {
	payload, err := json.Marshal(RequestBody(job))
	if err != nil {
		return failed(types.NewProcessingError(types.StageGenerate, fmt.Sprintf("failed to encode job: %v", err), false))
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return failed(types.NewProcessingError(types.StageGenerate, fmt.Sprintf("failed to create request: %v", err), false))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.session.Do("generate", req)
	if err != nil {
		return g.transportFailure(err, logger)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return g.transportFailure(&client.TransportError{Op: "generate", Err: err}, logger)
	}

	var body generateResponse
	decodeErr := json.Unmarshal(data, &body)
	if decodeErr != nil {
		logger.Warn().Err(decodeErr).Int("status_code", resp.StatusCode).Msg("Unreadable response from local endpoint")
	}

	return classify(resp.StatusCode, body, decodeErr, logger)
}

func (g *Gateway) transportFailure(err error, logger zerolog.Logger) *types.ExecutionResult {
	g.session.Rebuild()

	msg := fmt.Sprintf("local endpoint unreachable: %v", err)
	var te *client.TransportError
	if errors.As(err, &te) && te.Timeout() {
		msg = fmt.Sprintf("local endpoint timed out after %s", g.timeout)
	}
	logger.Warn().Err(err).Bool("session_rebuilt", true).Msg("Generate call failed")

	jobErr := types.NewProcessingError(types.StageGenerate, msg, true)
	return failed(jobErr)
}

// classify maps an endpoint answer onto the error taxonomy
func classify(statusCode int, body generateResponse, decodeErr error, logger zerolog.Logger) *types.ExecutionResult {
	if body.StackTrace != "" {
		logger.Error().Str("stack", body.StackTrace).Msg("Local endpoint reported a stack trace")
	}

	if body.ErrorType != "" {
		stage := body.Stage
		if stage == "" {
			stage = types.StageGenerate
		}
		jobErr := &types.JobError{
			Kind:    types.KindFromErrorType(body.ErrorType),
			Type:    body.ErrorType,
			Stage:   stage,
			Message: errorMessage(statusCode, body),
			Details: body.Details,
		}
		if body.Retryable != nil {
			jobErr.Retryable = *body.Retryable
		}
		return &types.ExecutionResult{Status: types.ExecutionFailed, Metrics: body.Metrics, Err: jobErr}
	}

	if decodeErr == nil && statusCode < http.StatusMultipleChoices && isSuccess(body.Status) {
		return &types.ExecutionResult{
			Status:    types.ExecutionSucceeded,
			OutputURL: outputReference(body),
			Metrics:   body.Metrics,
		}
	}

	jobErr := types.NewProcessingError(types.StageGenerate, errorMessage(statusCode, body), false)
	jobErr.Details = body.Details
	return &types.ExecutionResult{Status: types.ExecutionFailed, Metrics: body.Metrics, Err: jobErr}
}

func isSuccess(status string) bool {
	switch strings.ToLower(status) {
	case "succeeded", "ok":
		return true
	}
	return false
}

func outputReference(body generateResponse) string {
	if body.OutputURL != "" {
		return body.OutputURL
	}
	if body.B2Bucket != "" && body.B2FileName != "" {
		return fmt.Sprintf("b2://%s/%s", body.B2Bucket, body.B2FileName)
	}
	return ""
}

func errorMessage(statusCode int, body generateResponse) string {
	switch e := body.Error.(type) {
	case nil:
	case string:
		if e != "" {
			return e
		}
	default:
		return fmt.Sprint(e)
	}
	if statusCode >= http.StatusMultipleChoices {
		return fmt.Sprintf("HTTP %d: %s", statusCode, http.StatusText(statusCode))
	}
	if body.Status != "" {
		return fmt.Sprintf("local endpoint returned status %q", body.Status)
	}
	return "local endpoint returned an unrecognised response"
}

func failed(err *types.JobError) *types.ExecutionResult {
	return &types.ExecutionResult{Status: types.ExecutionFailed, Err: err}
}

// RequestBody builds the /generate payload for job. Job inputs are
// forwarded unchanged; missing presentation options get their defaults.
func RequestBody(job types.Job) map[string]any {
	body := make(map[string]any, len(job.Inputs)+5)
	for k, v := range job.Inputs {
		body[k] = v
	}
	body["job_id"] = job.ID
	body["musetalk_job_id"] = job.ID

	if v, ok := body["aspect_ratio"]; !ok || v == nil || v == "" {
		body["aspect_ratio"] = defaultAspectRatio
	}
	if v, ok := body["resolution"]; !ok || v == nil || v == "" {
		body["resolution"] = defaultResolution
	}
	if v, ok := body["params"]; !ok || v == nil {
		body["params"] = map[string]any{}
	}
	return body
}
