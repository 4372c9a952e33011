/*
Package worker implements the node agent that lets a GPU node take part in
pull-based job distribution.

Two activities run for the lifetime of the process:

	Heartbeater  every heartbeat interval, snapshot State and POST it to the
	             orchestrator. First beat at startup. Never waits on a job.

	Loop         ready? -> claim (3 attempts, 1s/2s/4s delay after each
	             transport fault) -> MarkBusy -> gateway.Execute -> terminal report ->
	             MarkIdle -> claim again. No job: sleep poll interval.

State is the only data the two share. The loop writes it, the heartbeater
reads snapshots, and the mutex is never held across a network call, so a
job that blocks for ten minutes in the local endpoint still produces a busy
heartbeat every few seconds.

Each activity owns a client.Session. A transport fault rebuilds the session
of the activity that saw it; the other activity's connections are left
alone.

Anything that panics inside a cycle is recovered at the top of the cycle,
logged with its stack, reported to the orchestrator as a failure when a job
was in flight, and followed by a forced return to idle.
*/
package worker
