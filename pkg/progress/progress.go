// Package progress delivers job progress to the orchestrator.
//
// Delivery is best effort: a report that cannot be sent is logged and
// dropped, and never affects the job. A Tracker applies the per-job rate
// discipline. Intermediate reports are suppressed unless the fraction
// advanced by at least MinStep since the last sent report, the fraction
// never goes backwards, and the started and terminal reports are always
// attempted. Reports produced by the local endpoint while a job runs are
// relayed through the same Tracker.
package progress

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/explaindio/musetalk-container/pkg/client"
	"github.com/explaindio/musetalk-container/pkg/log"
	"github.com/explaindio/musetalk-container/pkg/metrics"
	"github.com/explaindio/musetalk-container/pkg/types"
)

// MinStep is the smallest fraction increase worth reporting
const MinStep = 0.05

// ErrUnknownJob is returned when a relayed report names a job that is not
// running on this worker
var ErrUnknownJob = errors.New("job is not running on this worker")

// epsilon absorbs float rounding in step comparisons
const epsilon = 1e-9

// Sender delivers one report. *client.Orchestrator implements it.
type Sender interface {
	ReportProgress(ctx context.Context, s *client.Session, r types.ProgressReport) error
}

// Reporter sends progress reports over the session of the activity that
// owns it
type Reporter struct {
	sender  Sender
	session *client.Session
	logger  zerolog.Logger
}

// NewReporter creates a reporter
func NewReporter(sender Sender, session *client.Session) *Reporter {
	return &Reporter{
		sender:  sender,
		session: session,
		logger:  log.WithComponent("progress"),
	}
}

// Send delivers r and reports whether it was accepted. Errors are logged
// and swallowed; a transport fault rebuilds the session.
func (r *Reporter) Send(ctx context.Context, report types.ProgressReport) bool {
	err := r.sender.ReportProgress(ctx, r.session, report)
	if err == nil {
		metrics.ProgressReportsTotal.WithLabelValues("sent").Inc()
		r.logger.Debug().
			Str("job_id", report.JobID).
			Str("status", report.Status).
			Str("phase", report.Phase).
			Float64("progress", report.Progress).
			Msg("Progress reported")
		return true
	}

	metrics.ProgressReportsTotal.WithLabelValues("failed").Inc()
	event := r.logger.Warn().Err(err).
		Str("job_id", report.JobID).
		Str("status", report.Status).
		Float64("progress", report.Progress)

	var te *client.TransportError
	if errors.As(err, &te) {
		r.session.Rebuild()
		event = event.Bool("session_rebuilt", true)
	}
	event.Msg("Failed to report progress")
	return false
}

// Track starts tracking a new job
func (r *Reporter) Track(jobID string) *Tracker {
	return &Tracker{reporter: r, jobID: jobID}
}

// Tracker enforces the reporting discipline for a single job. It is safe
// for concurrent use.
type Tracker struct {
	reporter *Reporter
	jobID    string

	mu       sync.Mutex
	last     float64
	sentAny  bool
	terminal bool
}

// JobID returns the tracked job
func (t *Tracker) JobID() string {
	return t.jobID
}

// Last returns the highest fraction handed to the reporter so far
func (t *Tracker) Last() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Started sends the mandatory work-started report
func (t *Tracker) Started(ctx context.Context, phase string, fraction float64) {
	t.send(ctx, types.ProgressReport{
		Status:   types.ProgressRunning,
		Progress: fraction,
		Phase:    phase,
	}, true)
}

// Update sends an intermediate report unless it is too small a step. It
// reports whether the orchestrator accepted the report.
func (t *Tracker) Update(ctx context.Context, phase string, fraction float64, m map[string]any) bool {
	return t.send(ctx, types.ProgressReport{
		Status:   types.ProgressRunning,
		Progress: fraction,
		Phase:    phase,
		Metrics:  m,
	}, false)
}

// RelayResult is the answer to a relayed report
type RelayResult struct {
	Forwarded bool    `json:"forwarded"`
	Progress  float64 `json:"progress"`
}

// Relay applies the rate discipline to a report produced by the local
// endpoint. Only running reports are forwarded; the terminal report is
// always sent by the control loop.
func (t *Tracker) Relay(ctx context.Context, r types.ProgressReport) RelayResult {
	if r.Status != "" && r.Status != types.ProgressRunning {
		return RelayResult{Progress: t.Last()}
	}
	phase := r.Phase
	if phase == "" {
		phase = types.PhaseRunning
	}
	sent := t.Update(ctx, phase, r.Progress, r.Metrics)
	return RelayResult{Forwarded: sent, Progress: t.Last()}
}

// Succeeded sends the success terminal report at exactly 1.0
func (t *Tracker) Succeeded(ctx context.Context, outputURL string, m map[string]any) {
	t.send(ctx, types.ProgressReport{
		Status:    types.ProgressSucceeded,
		Progress:  1.0,
		Phase:     types.PhaseCompleted,
		Metrics:   m,
		OutputURL: outputURL,
	}, true)
}

// Failed sends the failure terminal report. The fraction stays at the last
// reported value.
func (t *Tracker) Failed(ctx context.Context, jobErr *types.JobError, m map[string]any) {
	msg := jobErr.Message
	retryable := jobErr.Retryable
	if len(jobErr.Details) > 0 {
		merged := make(map[string]any, len(m)+1)
		for k, v := range m {
			merged[k] = v
		}
		merged["details"] = jobErr.Details
		m = merged
	}

	t.send(ctx, types.ProgressReport{
		Status:    types.ProgressFailed,
		Progress:  -1,
		Phase:     types.PhaseFailed,
		Metrics:   m,
		Error:     &msg,
		ErrorType: jobErr.ErrorType(),
		Stage:     jobErr.Stage,
		Retryable: &retryable,
	}, true)
}

// Finish sends the terminal report matching res
func (t *Tracker) Finish(ctx context.Context, res *types.ExecutionResult) {
	if res.Succeeded() {
		t.Succeeded(ctx, res.OutputURL, res.Metrics)
		return
	}
	jobErr := res.Err
	if jobErr == nil {
		jobErr = &types.JobError{Kind: types.ErrorKindUnclassified, Message: "job failed without error detail"}
	}
	t.Failed(ctx, jobErr, res.Metrics)
}

func (t *Tracker) send(ctx context.Context, report types.ProgressReport, mandatory bool) bool {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return false
	}

	switch {
	case report.Progress < 0:
		report.Progress = t.last
	case report.Progress > 1:
		report.Progress = 1
	}

	if report.Progress < t.last {
		if !mandatory {
			t.mu.Unlock()
			metrics.ProgressReportsTotal.WithLabelValues("suppressed").Inc()
			return false
		}
		report.Progress = t.last
	}
	if !mandatory && t.sentAny && report.Progress < t.last+MinStep-epsilon {
		t.mu.Unlock()
		metrics.ProgressReportsTotal.WithLabelValues("suppressed").Inc()
		return false
	}

	t.last = report.Progress
	t.sentAny = true
	t.terminal = report.IsTerminal()
	t.mu.Unlock()

	report.JobID = t.jobID
	return t.reporter.Send(ctx, report)
}
