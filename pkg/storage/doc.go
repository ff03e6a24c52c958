/*
Package storage persists all Sanctuary state behind the Store interface.

The Postgres implementation (lib/pq) is the production backend. Its schema
migration is additive only: base tables are created idempotently, and
columns added after the original schema shipped are detected by
information_schema introspection before any ALTER runs, so re-running
migration on any schema generation is safe.

Two operations carry transactional semantics the rest of the system relies
on: snapshot insertion reads max(seq)+1 and inserts in one transaction
(serialised per agent by the (agent, seq) unique constraint), and
attestation insertion evaluates the per-pair cooldown predicate inside the
write transaction.

The Memory implementation mirrors those semantics for unit tests and the
dev mode of sanctuaryd.
*/
package storage
