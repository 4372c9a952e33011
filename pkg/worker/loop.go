package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/explaindio/musetalk-container/pkg/client"
	"github.com/explaindio/musetalk-container/pkg/events"
	"github.com/explaindio/musetalk-container/pkg/log"
	"github.com/explaindio/musetalk-container/pkg/metrics"
	"github.com/explaindio/musetalk-container/pkg/progress"
	"github.com/explaindio/musetalk-container/pkg/types"
)

// Loop claims and runs one job at a time
type Loop struct {
	exec         Executor
	state        *State
	session      *client.Session
	claimer      *Claimer
	reporter     *progress.Reporter
	broker       *events.Broker
	pollInterval time.Duration
	recoverDelay time.Duration
	sleep        SleepFunc
	logger       zerolog.Logger

	mu     sync.Mutex
	active *progress.Tracker
}

// NewLoop creates the control loop. The claimer and the progress reporter
// share the loop's session.
func NewLoop(orch Orchestrator, exec Executor, state *State, pollInterval time.Duration, broker *events.Broker) *Loop {
	session := client.NewSession("control")
	return &Loop{
		exec:         exec,
		state:        state,
		session:      session,
		claimer:      NewClaimer(orch, session, broker),
		reporter:     progress.NewReporter(orch, session),
		broker:       broker,
		pollInterval: pollInterval,
		recoverDelay: pollInterval,
		sleep:        sleepContext,
		logger:       log.WithComponent("loop"),
	}
}

// Run cycles until ctx is cancelled. Failures inside a cycle never end the
// loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().Dur("poll_interval", l.pollInterval).Msg("Control loop started")
	for ctx.Err() == nil {
		l.cycle(ctx)
	}
	l.logger.Info().Msg("Control loop stopped")
	return nil
}

func (l *Loop) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.recovered(ctx, r, "", debug.Stack())
		}
	}()

	if !l.exec.Ready(ctx) {
		l.logger.Debug().Msg("Local endpoint not ready, waiting")
		_ = l.sleep(ctx, l.pollInterval)
		return
	}

	job, outcome := l.claimer.Claim(ctx)
	if job == nil {
		l.state.MarkIdle()
		if outcome != ClaimCancelled {
			_ = l.sleep(ctx, l.pollInterval)
		}
		return
	}

	l.runJob(ctx, job)
}

// runJob executes one claimed job and sends its terminal report. The state
// returns to idle on every exit path.
func (l *Loop) runJob(ctx context.Context, job *types.Job) {
	l.state.MarkBusy(job.ID)
	defer l.state.MarkIdle()

	logger := log.WithJobID(job.ID).With().Str("component", "loop").Logger()
	tracker := l.reporter.Track(job.ID)
	l.setActive(tracker)
	defer l.setActive(nil)

	// Terminal reports outlive shutdown, bounded by the per-call timeout
	reportCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			result := &types.ExecutionResult{
				Status: types.ExecutionFailed,
				Err: &types.JobError{
					Kind:    types.ErrorKindUnclassified,
					Stage:   types.StageGenerate,
					Message: fmt.Sprintf("unexpected worker error: %v", r),
				},
			}
			tracker.Finish(reportCtx, result)
			l.record(job.ID, result)
			l.recovered(ctx, r, job.ID, stack)
		}
	}()

	l.broker.Publish(&events.Event{Type: events.EventJobClaimed, JobID: job.ID})
	logger.Info().Msg("Job started")

	result := l.exec.Execute(ctx, *job, tracker)
	tracker.Finish(reportCtx, result)
	l.record(job.ID, result)
}

func (l *Loop) record(jobID string, result *types.ExecutionResult) {
	status := string(result.Status)
	meta := map[string]string{
		events.MetaDurationMs: strconv.FormatInt(result.Duration.Milliseconds(), 10),
	}

	if result.Succeeded() {
		metrics.JobsTotal.WithLabelValues(status, "").Inc()
		meta[events.MetaOutputURL] = result.OutputURL
		l.broker.Publish(&events.Event{Type: events.EventJobSucceeded, JobID: jobID, Metadata: meta})
		return
	}

	kind := types.ErrorKindUnclassified
	var msg string
	if result.Err != nil {
		kind = result.Err.Kind
		msg = result.Err.Message
		meta[events.MetaErrorType] = result.Err.ErrorType()
		meta[events.MetaStage] = result.Err.Stage
		meta[events.MetaRetryable] = strconv.FormatBool(result.Err.Retryable)
	}
	meta[events.MetaErrorKind] = string(kind)

	metrics.JobsTotal.WithLabelValues(status, string(kind)).Inc()
	l.broker.Publish(&events.Event{Type: events.EventJobFailed, JobID: jobID, Message: msg, Metadata: meta})
}

// recovered handles a failure nothing else classified: log with stack, force
// idle and back off before the next cycle
func (l *Loop) recovered(ctx context.Context, r any, jobID string, stack []byte) {
	l.state.MarkIdle()
	metrics.LoopRecoveries.Inc()

	l.logger.Error().
		Str("panic", fmt.Sprint(r)).
		Str("job_id", jobID).
		Str("stack", string(stack)).
		Msg("Recovered from unexpected error in control loop")
	l.broker.Publish(&events.Event{
		Type:    events.EventLoopRecovered,
		JobID:   jobID,
		Message: fmt.Sprint(r),
	})

	_ = l.sleep(ctx, l.recoverDelay)
}

func (l *Loop) setActive(t *progress.Tracker) {
	l.mu.Lock()
	l.active = t
	l.mu.Unlock()
}

// Relay forwards a progress report from the local endpoint for the running
// job through that job's tracker
func (l *Loop) Relay(ctx context.Context, jobID string, r types.ProgressReport) (progress.RelayResult, error) {
	l.mu.Lock()
	t := l.active
	l.mu.Unlock()

	if t == nil || t.JobID() != jobID {
		return progress.RelayResult{}, progress.ErrUnknownJob
	}
	return t.Relay(ctx, r), nil
}
