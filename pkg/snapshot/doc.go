/*
Package snapshot accepts encrypted memory uploads and serves the per-agent
snapshot index.

The server treats payloads as opaque: encryption happens client-side and the
keys never travel. Upload checks its preconditions in a fixed order and fails
on the first violation: the header must match the bearer token's agent, the
header signature must recover that agent, the payload must be within bounds,
the agent must be in a writable status, at most one upload is accepted per
agent per day, a genesis claim is coerced to false once any prior snapshot
exists, and the free-form metadata is capped at 10 KiB.

Sequence numbers are dense per agent, allocated inside the same transaction
that inserts the row. The object store write happens first; if it fails, no
row is written and the caller sees an unavailability error.
*/
package snapshot
