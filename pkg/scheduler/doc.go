/*
Package scheduler runs the background maintenance jobs of the Sanctuary
daemon: challenge expiry, heartbeat pruning, trust-score sweeps, and fallen
detection.

# Jobs

	Job              Interval   Work
	challenge_gc     15 min     delete auth challenges past expiry
	heartbeat_prune  1 h        drop heartbeats older than the retention
	                            window, keeping the newest row per agent
	trust_sweep      1 h        recompute every agent's trust score
	fallen_detect    6 h        mark LIVING agents without a recent
	                            heartbeat as FALLEN

On top of the periodic sweeps, the scheduler subscribes to the event broker
and recomputes a single agent's trust score whenever a snapshot, attestation,
or resurrection lands for it.

# The gate

Heavy scans (trust_sweep, fallen_detect) share a Gate: at most one holds it,
and a job that finds it busy skips its tick instead of queueing. The holder
checks for a requested stop between units of work, so shutdown never waits
for a full sweep.

# Failure policy

Jobs never propagate errors to callers. A failed run is logged and retried
with exponential back-off starting at one second and capped at sixty; any
success resets the delay to the nominal interval.
*/
package scheduler
