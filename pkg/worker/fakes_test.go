package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/explaindio/musetalk-container/pkg/client"
	"github.com/explaindio/musetalk-container/pkg/gateway"
	"github.com/explaindio/musetalk-container/pkg/types"
)

// fakeOrchestrator serves queued jobs and records everything it receives
type fakeOrchestrator struct {
	mu           sync.Mutex
	jobs         []*types.Job
	claimErrs    []error
	claims       int
	heartbeatErr error
	heartbeats   []types.WorkerSnapshot
	reports      []types.ProgressReport
}

func (f *fakeOrchestrator) Heartbeat(_ context.Context, _ *client.Session, snap types.WorkerSnapshot, _ *types.SystemMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, snap)
	return f.heartbeatErr
}

func (f *fakeOrchestrator) Claim(_ context.Context, _ *client.Session) (*client.ClaimResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if len(f.claimErrs) > 0 {
		err := f.claimErrs[0]
		f.claimErrs = f.claimErrs[1:]
		return nil, err
	}
	if len(f.jobs) > 0 {
		job := f.jobs[0]
		f.jobs = f.jobs[1:]
		return &client.ClaimResponse{Job: job}, nil
	}
	return &client.ClaimResponse{}, nil
}

func (f *fakeOrchestrator) ReportProgress(ctx context.Context, _ *client.Session, r types.ProgressReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeOrchestrator) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims
}

func (f *fakeOrchestrator) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

func (f *fakeOrchestrator) allReports() []types.ProgressReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ProgressReport(nil), f.reports...)
}

func (f *fakeOrchestrator) terminalReports() []types.ProgressReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ProgressReport
	for _, r := range f.reports {
		if r.IsTerminal() {
			out = append(out, r)
		}
	}
	return out
}

// fakeExecutor runs jobs through a configurable function
type fakeExecutor struct {
	notReady atomic.Bool
	run      func(ctx context.Context, job types.Job) *types.ExecutionResult

	mu   sync.Mutex
	jobs []string
}

func (e *fakeExecutor) Ready(context.Context) bool {
	return !e.notReady.Load()
}

func (e *fakeExecutor) Execute(ctx context.Context, job types.Job, sink gateway.ProgressSink) *types.ExecutionResult {
	e.mu.Lock()
	e.jobs = append(e.jobs, job.ID)
	e.mu.Unlock()

	sink.Started(ctx, types.PhaseDownloading, 0.05)
	return e.run(ctx, job)
}

func (e *fakeExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.jobs...)
}

func succeedWith(url string) func(context.Context, types.Job) *types.ExecutionResult {
	return func(context.Context, types.Job) *types.ExecutionResult {
		return &types.ExecutionResult{Status: types.ExecutionSucceeded, OutputURL: url}
	}
}

// quickSleep keeps tests fast while still honouring cancellation
func quickSleep(ctx context.Context, _ time.Duration) error {
	select {
	case <-time.After(time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordingSleep records requested delays without waiting
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}
