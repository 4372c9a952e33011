package worker

import (
	"sync"
	"time"

	"github.com/explaindio/musetalk-container/pkg/metrics"
	"github.com/explaindio/musetalk-container/pkg/types"
)

// State is the worker's idle/busy state. The control loop is the only
// writer; the heartbeat emitter reads snapshots. The lock is never held
// across a network call.
type State struct {
	mu     sync.Mutex
	status types.WorkerStatus
	jobID  string
	since  time.Time
}

// NewState returns an idle state
func NewState() *State {
	metrics.WorkerBusy.Set(0)
	return &State{
		status: types.WorkerStatusIdle,
		since:  time.Now(),
	}
}

// Snapshot returns a consistent copy of the state
func (s *State) Snapshot() types.WorkerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.WorkerSnapshot{
		Status:       s.status,
		CurrentJobID: s.jobID,
		Since:        s.since,
	}
}

// MarkBusy sets status and job id together
func (s *State) MarkBusy(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = types.WorkerStatusBusy
	s.jobID = jobID
	s.since = time.Now()
	metrics.WorkerBusy.Set(1)
}

// MarkIdle clears the job id. It is a no-op when already idle.
func (s *State) MarkIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.WorkerStatusIdle && s.jobID == "" {
		return
	}
	s.status = types.WorkerStatusIdle
	s.jobID = ""
	s.since = time.Now()
	metrics.WorkerBusy.Set(0)
}
