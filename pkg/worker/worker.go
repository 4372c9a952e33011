package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/explaindio/musetalk-container/pkg/client"
	"github.com/explaindio/musetalk-container/pkg/events"
	"github.com/explaindio/musetalk-container/pkg/gateway"
	"github.com/explaindio/musetalk-container/pkg/log"
	"github.com/explaindio/musetalk-container/pkg/progress"
	"github.com/explaindio/musetalk-container/pkg/storage"
	"github.com/explaindio/musetalk-container/pkg/types"
)

const (
	DefaultPollInterval      = 5 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

// Orchestrator is the worker-facing orchestrator API.
// *client.Orchestrator implements it.
type Orchestrator interface {
	progress.Sender
	Heartbeat(ctx context.Context, s *client.Session, snap types.WorkerSnapshot, sys *types.SystemMetrics) error
	Claim(ctx context.Context, s *client.Session) (*client.ClaimResponse, error)
}

// Executor runs a job locally. *gateway.Gateway implements it.
type Executor interface {
	Ready(ctx context.Context) bool
	Execute(ctx context.Context, job types.Job, sink gateway.ProgressSink) *types.ExecutionResult
}

// Config holds worker configuration
type Config struct {
	WorkerID          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	// SystemInfo is attached to every heartbeat
	SystemInfo *types.SystemMetrics

	// Journal receives job events. Nil disables it.
	Journal storage.Journal
}

// Worker is the node agent: a heartbeat emitter and a control loop sharing
// one State
type Worker struct {
	id        string
	state     *State
	broker    *events.Broker
	heartbeat *Heartbeater
	loop      *Loop
	journal   storage.Journal
}

// NewWorker creates a new worker instance
func NewWorker(orch Orchestrator, exec Executor, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	state := NewState()
	broker := events.NewBroker()

	return &Worker{
		id:        cfg.WorkerID,
		state:     state,
		broker:    broker,
		heartbeat: NewHeartbeater(orch, state, cfg.SystemInfo, cfg.HeartbeatInterval, broker),
		loop:      NewLoop(orch, exec, state, cfg.PollInterval, broker),
		journal:   cfg.Journal,
	}
}

// State returns the worker state
func (w *Worker) State() *State {
	return w.state
}

// Broker returns the event broker
func (w *Worker) Broker() *events.Broker {
	return w.broker
}

// Sessions returns the orchestrator sessions owned by the worker
func (w *Worker) Sessions() []*client.Session {
	return []*client.Session{w.heartbeat.Session(), w.loop.session}
}

// Relay forwards a progress report produced by the local endpoint for the
// running job. It fails with progress.ErrUnknownJob for any other job.
func (w *Worker) Relay(ctx context.Context, jobID string, r types.ProgressReport) (progress.RelayResult, error) {
	return w.loop.Relay(ctx, jobID, r)
}

// Run starts the heartbeat emitter and the control loop and blocks until
// ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithWorkerID(w.id)
	logger.Info().Msg("Worker starting")

	w.broker.Start()
	defer w.broker.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if w.journal != nil {
		sub := w.broker.Subscribe()
		g.Go(func() error {
			// Runs until the broker closes sub, so the outcome of a job that
			// finishes after shutdown is still journaled
			return storage.Consume(context.WithoutCancel(gctx), w.journal, sub)
		})
	}

	g.Go(func() error {
		return w.heartbeat.Run(gctx)
	})
	g.Go(func() error {
		defer w.broker.Stop()
		return w.loop.Run(gctx)
	})

	err := g.Wait()
	logger.Info().Msg("Worker stopped")
	return err
}
