package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Heartbeat metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuworker_heartbeats_total",
			Help: "Heartbeats sent by result (ok, rejected, transport_error)",
		},
		[]string{"result"},
	)

	// Claim metrics
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuworker_claims_total",
			Help: "Claim cycles by outcome (job, empty, rejected, exhausted)",
		},
		[]string{"outcome"},
	)

	ClaimAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuworker_claim_attempts_total",
			Help: "Individual claim requests sent, including retries",
		},
	)

	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuworker_jobs_total",
			Help: "Jobs finished by status and error kind",
		},
		[]string{"status", "error_kind"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpuworker_job_duration_seconds",
			Help:    "Wall time of the local generate call",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"status"},
	)

	WorkerBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuworker_busy",
			Help: "1 while a job is in flight, 0 when idle",
		},
	)

	// Progress metrics
	ProgressReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuworker_progress_reports_total",
			Help: "Progress reports by result (sent, failed, suppressed)",
		},
		[]string{"result"},
	)

	// Transport metrics
	SessionRebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuworker_session_rebuilds_total",
			Help: "HTTP sessions discarded after a transport fault, by owning activity",
		},
		[]string{"activity"},
	)

	LoopRecoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuworker_loop_recoveries_total",
			Help: "Unclassified failures caught by the control loop",
		},
	)
)

func init() {
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(ClaimAttemptsTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(WorkerBusy)
	prometheus.MustRegister(ProgressReportsTotal)
	prometheus.MustRegister(SessionRebuilds)
	prometheus.MustRegister(LoopRecoveries)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
