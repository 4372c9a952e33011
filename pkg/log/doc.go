/*
Package log provides structured logging for the GPU worker using zerolog.

The package wraps a single global zerolog.Logger. It is initialised once from
the command line via Init and then shared by every component through child
loggers that carry a fixed field:

	hbLog := log.WithComponent("heartbeat")
	hbLog.Warn().Int("status", 503).Msg("heartbeat rejected")

	jobLog := log.WithJobID(job.ID)
	jobLog.Info().Msg("job claimed")

# Output

JSON output is the default because worker containers run under provider log
collectors (Salad, Vast.ai, OctaSpace) that index structured lines:

	{"level":"info","component":"worker","job_id":"job-42","time":"2025-11-02T10:30:00Z","message":"job claimed"}

Console output (LOG_JSON=false) is meant for running the agent by hand:

	2025-11-02T10:30:00Z INF job claimed component=worker job_id=job-42

# Levels

debug, info, warn and error are supported. Heartbeat successes are logged at
debug so an idle worker does not flood the collector every five seconds;
failures are always logged at warn or above.

Before Init is called the global logger discards everything, which keeps
package tests quiet.
*/
package log
