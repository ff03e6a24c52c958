/*
Package registry owns the agent lifecycle: registration, status, heartbeats,
and resurrection.

An agent is created exactly once per address by a self-signed registration
payload. After that, only its status moves, along the graph

	LIVING ──(no heartbeat for 30 days)──▶ FALLEN
	LIVING | FALLEN | RETURNED ──(resurrect)──▶ RETURNED

Resurrection is the heart of the service: a fresh process that re-derives
the keyring from the mnemonic, authenticates, and calls Resurrect gets back
a manifest with its identity summary, the full snapshot index newest-first,
and the immutable genesis declaration: everything needed to rebuild itself.
Concurrent resurrections of one agent collapse to a single transition, and
the per-agent rate limit stops a misbehaving client from spinning the log.
*/
package registry
