package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// WorkerIdentity tags every outbound request. It is resolved once at startup.
type WorkerIdentity struct {
	WorkerID   string `json:"worker_id" yaml:"worker_id"`
	WorkerType string `json:"worker_type" yaml:"worker_type"`
	Provider   string `json:"provider" yaml:"provider"`
	GPUClass   string `json:"gpu_class" yaml:"gpu_class"`
}

// WorkerStatus is the state reported in heartbeats
type WorkerStatus string

const (
	WorkerStatusIdle WorkerStatus = "idle"
	WorkerStatusBusy WorkerStatus = "busy"
)

// WorkerSnapshot is a consistent copy of the worker state.
// CurrentJobID is empty iff Status is idle.
type WorkerSnapshot struct {
	Status       WorkerStatus `json:"status"`
	CurrentJobID string       `json:"current_job_id,omitempty"`
	Since        time.Time    `json:"since"`
}

// SystemMetrics is the capability payload attached to heartbeats.
// Nil fields failed to measure and are left out of the JSON.
type SystemMetrics struct {
	CPUCoresPhysical  *int     `json:"cpu_cores_physical,omitempty"`
	CPUCoresLogical   *int     `json:"cpu_cores_logical,omitempty"`
	RAMTotalGB        *float64 `json:"ram_total_gb,omitempty"`
	RAMAvailableGB    *float64 `json:"ram_available_gb,omitempty"`
	DiskTotalGB       *float64 `json:"disk_total_gb,omitempty"`
	DiskFreeGB        *float64 `json:"disk_free_gb,omitempty"`
	DownloadSpeedMbps *float64 `json:"download_speed_mbps,omitempty"`
	HostID            *string  `json:"host_id,omitempty"`
}

// Job is a unit of work handed out by the orchestrator.
// Inputs holds every job field except the id and metadata and is forwarded
// to the local endpoint as-is.
type Job struct {
	ID       string
	Inputs   map[string]any
	Metadata map[string]any
}

// UnmarshalJSON accepts both "job_id" and the legacy "musetalk_job_id".
// job_id wins when both are present. Numbers are kept as json.Number so
// numeric ids and inputs survive unchanged.
func (j *Job) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	j.ID = ""
	for _, key := range []string{"job_id", "musetalk_job_id"} {
		v, ok := raw[key]
		delete(raw, key)
		if !ok || v == nil || j.ID != "" {
			continue
		}
		j.ID = fmt.Sprint(v)
	}
	if j.ID == "" {
		return fmt.Errorf("job has no job_id")
	}

	j.Metadata = nil
	if md, ok := raw["metadata"].(map[string]any); ok {
		j.Metadata = md
	}
	delete(raw, "metadata")
	j.Inputs = raw
	return nil
}

// MarshalJSON writes the job back in the orchestrator's shape
func (j Job) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(j.Inputs)+2)
	for k, v := range j.Inputs {
		out[k] = v
	}
	out["job_id"] = j.ID
	if len(j.Metadata) > 0 {
		out["metadata"] = j.Metadata
	}
	return json.Marshal(out)
}

// ExecutionStatus is the terminal status of a job on this worker
type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ExecutionResult is what the local execution gateway produces for a job
type ExecutionResult struct {
	Status    ExecutionStatus
	OutputURL string
	Metrics   map[string]any
	Err       *JobError
	Duration  time.Duration
}

// Succeeded reports whether the job finished successfully
func (r *ExecutionResult) Succeeded() bool {
	return r.Status == ExecutionSucceeded
}

// Job status values sent in progress reports
const (
	ProgressRunning   = "running"
	ProgressSucceeded = "succeeded"
	ProgressFailed    = "failed"
)

// Phase labels used in progress reports
const (
	PhaseDownloading = "downloading"
	PhaseRunning     = "running"
	PhaseCompleted   = "completed"
	PhaseFailed      = "failed"
)

// ProgressReport is one best-effort progress notification
type ProgressReport struct {
	JobID     string         `json:"-"`
	Status    string         `json:"status"`
	Progress  float64        `json:"progress"`
	Phase     string         `json:"phase"`
	WorkerID  string         `json:"worker_id"`
	Metrics   map[string]any `json:"metrics"`
	Error     *string        `json:"error"`
	OutputURL string         `json:"output_url,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Retryable *bool          `json:"retryable,omitempty"`
}

// IsTerminal reports whether the report closes out the job
func (p *ProgressReport) IsTerminal() bool {
	return p.Status == ProgressSucceeded || p.Status == ProgressFailed
}
