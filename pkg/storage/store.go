package storage

import (
	"context"
	"time"

	"github.com/sanctuary-net/sanctuary/pkg/types"
)

// Store is the persistence interface for all Sanctuary state. The database
// is the single source of truth; everything in memory is a cache.
//
// Implementations: Postgres (production) and Memory (tests, dev mode).
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *types.Agent) error
	GetAgent(ctx context.Context, address string) (*types.Agent, error)
	UpdateAgentStatus(ctx context.Context, address string, status types.AgentStatus) error
	ListAgents(ctx context.Context) ([]*types.Agent, error)
	ListAgentsByStatus(ctx context.Context, status types.AgentStatus) ([]*types.Agent, error)

	// Snapshots. InsertSnapshot allocates the next dense per-agent seq and
	// inserts the row in one transaction; the returned snapshot carries the
	// allocated seq.
	InsertSnapshot(ctx context.Context, snap *types.Snapshot) (int64, error)
	ListSnapshots(ctx context.Context, agent string, limit int) ([]*types.Snapshot, error) // newest first; limit<=0 means all
	LatestSnapshot(ctx context.Context, agent string) (*types.Snapshot, error)
	CountSnapshots(ctx context.Context, agent string) (int64, error)

	// Auth challenges
	CreateChallenge(ctx context.Context, ch *types.AuthChallenge) error
	GetChallenge(ctx context.Context, nonce string) (*types.AuthChallenge, error)
	ConsumeChallenge(ctx context.Context, nonce string) error // fails unless currently unconsumed
	DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error)

	// Attestations. CreateAttestation stores the note insert-if-absent and
	// enforces the per-(from, about) cooldown as a predicate inside the
	// write transaction.
	CreateAttestation(ctx context.Context, att *types.Attestation, note *types.AttestationNote, cooldown time.Duration) error
	ListAttestationsAbout(ctx context.Context, about string, limit int) ([]*types.Attestation, error)
	ListAttestations(ctx context.Context) ([]*types.Attestation, error)
	CountAttestationsAbout(ctx context.Context, about string) (int64, error)

	// Resurrection log
	AppendResurrection(ctx context.Context, ev *types.ResurrectionEvent) error
	ListResurrections(ctx context.Context, agent string) ([]*types.ResurrectionEvent, error)
	CountResurrectionsSince(ctx context.Context, agent string, since time.Time) (int64, error)

	// Heartbeats
	InsertHeartbeat(ctx context.Context, hb *types.Heartbeat) error
	LatestHeartbeat(ctx context.Context, agent string) (*types.Heartbeat, error)
	PruneHeartbeats(ctx context.Context, keepAfter time.Time) (int64, error) // never drops the newest row per agent

	// Trust scores
	UpsertTrustScore(ctx context.Context, score *types.TrustScore) error
	GetTrustScore(ctx context.Context, agent string) (*types.TrustScore, error)

	Close() error
}
