package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

// Postgres implements Store on a PostgreSQL database via lib/pq.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens the database and applies migrations.
func NewPostgres(dsn string, maxOpenConns int) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}
	s := &Postgres{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Postgres) Close() error {
	return s.db.Close()
}

// baseSchema creates the original tables and indices. Statements are
// idempotent; later additive columns are handled by ensureColumn below.
var baseSchema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		address          TEXT PRIMARY KEY,
		recovery_pubkey  BYTEA NOT NULL,
		recall_pubkey    BYTEA NOT NULL,
		manifest_hash    TEXT NOT NULL,
		manifest_version INTEGER NOT NULL,
		status           TEXT NOT NULL,
		registered_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id               TEXT PRIMARY KEY,
		agent            TEXT NOT NULL REFERENCES agents(address),
		seq              BIGINT NOT NULL,
		storage_handle   TEXT NOT NULL,
		size_bytes       BIGINT NOT NULL,
		client_timestamp TIMESTAMPTZ NOT NULL,
		received_at      TIMESTAMPTZ NOT NULL,
		manifest_hash    TEXT NOT NULL,
		prev_backup_id   TEXT NOT NULL DEFAULT '',
		UNIQUE (agent, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS auth_challenges (
		nonce      TEXT PRIMARY KEY,
		agent      TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		consumed   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attestations (
		id          TEXT PRIMARY KEY,
		from_agent  TEXT NOT NULL,
		about_agent TEXT NOT NULL,
		note_hash   TEXT NOT NULL,
		tx_handle   TEXT NOT NULL DEFAULT '',
		tx_status   TEXT NOT NULL,
		simulated   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attestation_notes (
		hash       TEXT PRIMARY KEY,
		note       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS resurrection_log (
		id           BIGSERIAL PRIMARY KEY,
		agent        TEXT NOT NULL,
		at           TIMESTAMPTZ NOT NULL,
		prior_status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS heartbeats (
		id          BIGSERIAL PRIMARY KEY,
		agent       TEXT NOT NULL,
		at          TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trust_scores (
		agent            TEXT PRIMARY KEY,
		score            DOUBLE PRECISION NOT NULL,
		level            TEXT NOT NULL,
		unique_attesters INTEGER NOT NULL,
		computed_at      TIMESTAMPTZ NOT NULL,
		signals          JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_agent ON snapshots (agent, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_heartbeats_agent ON heartbeats (agent, received_at)`,
	`CREATE INDEX IF NOT EXISTS idx_attestations_about ON attestations (about_agent)`,
	`CREATE INDEX IF NOT EXISTS idx_attestations_pair ON attestations (from_agent, about_agent, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_challenges_expiry ON auth_challenges (expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents (status)`,
}

// additiveColumns lists columns added after the original schema shipped.
// They must be nullable (or defaulted) and are detected by introspection
// before any ALTER is issued.
var additiveColumns = []struct {
	table, column, ddl string
}{
	{"agents", "genesis_declaration", `ALTER TABLE agents ADD COLUMN genesis_declaration TEXT NOT NULL DEFAULT ''`},
	{"snapshots", "snapshot_meta", `ALTER TABLE snapshots ADD COLUMN snapshot_meta JSONB`},
}

func (s *Postgres) migrate(ctx context.Context) error {
	for _, stmt := range baseSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	for _, col := range additiveColumns {
		ok, err := s.hasColumn(ctx, col.table, col.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("storage: add %s.%s: %w", col.table, col.column, err)
		}
	}
	return nil
}

func (s *Postgres) hasColumn(ctx context.Context, table, column string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`,
		table, column).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage: introspect %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Agents

func (s *Postgres) CreateAgent(ctx context.Context, agent *types.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (address, recovery_pubkey, recall_pubkey, manifest_hash, manifest_version, genesis_declaration, status, registered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		agent.Address, agent.RecoveryPubKey, agent.RecallPubKey, agent.ManifestHash,
		agent.ManifestVersion, agent.GenesisDeclaration, string(agent.Status), agent.RegisteredAt)
	if isUniqueViolation(err) {
		return errdefs.Wrap(errdefs.ErrConflict, "agent %s already registered", agent.Address)
	}
	if err != nil {
		return fmt.Errorf("storage: create agent: %w", err)
	}
	return nil
}

func (s *Postgres) GetAgent(ctx context.Context, address string) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address, recovery_pubkey, recall_pubkey, manifest_hash, manifest_version, genesis_declaration, status, registered_at
		 FROM agents WHERE address = $1`, address)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*types.Agent, error) {
	var a types.Agent
	var status string
	err := row.Scan(&a.Address, &a.RecoveryPubKey, &a.RecallPubKey, &a.ManifestHash,
		&a.ManifestVersion, &a.GenesisDeclaration, &status, &a.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "agent not found")
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan agent: %w", err)
	}
	a.Status = types.AgentStatus(status)
	return &a, nil
}

func (s *Postgres) UpdateAgentStatus(ctx context.Context, address string, status types.AgentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $2 WHERE address = $1`, address, string(status))
	if err != nil {
		return fmt.Errorf("storage: update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.Wrap(errdefs.ErrNotFound, "agent %s not found", address)
	}
	return nil
}

func (s *Postgres) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	return s.queryAgents(ctx,
		`SELECT address, recovery_pubkey, recall_pubkey, manifest_hash, manifest_version, genesis_declaration, status, registered_at FROM agents`)
}

func (s *Postgres) ListAgentsByStatus(ctx context.Context, status types.AgentStatus) ([]*types.Agent, error) {
	return s.queryAgents(ctx,
		`SELECT address, recovery_pubkey, recall_pubkey, manifest_hash, manifest_version, genesis_declaration, status, registered_at
		 FROM agents WHERE status = $1`, string(status))
}

func (s *Postgres) queryAgents(ctx context.Context, query string, args ...interface{}) ([]*types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*types.Agent
	for rows.Next() {
		var a types.Agent
		var status string
		if err := rows.Scan(&a.Address, &a.RecoveryPubKey, &a.RecallPubKey, &a.ManifestHash,
			&a.ManifestVersion, &a.GenesisDeclaration, &status, &a.RegisteredAt); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		a.Status = types.AgentStatus(status)
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// Snapshots

func (s *Postgres) InsertSnapshot(ctx context.Context, snap *types.Snapshot) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	// max(seq)+1 under the same transaction that inserts; the (agent, seq)
	// unique constraint serialises concurrent uploads for one agent.
	var maxSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM snapshots WHERE agent = $1`, snap.Agent).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("storage: read max seq: %w", err)
	}
	seq := maxSeq + 1

	var meta interface{}
	if len(snap.Meta) > 0 {
		meta = []byte(snap.Meta)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, agent, seq, storage_handle, size_bytes, client_timestamp, received_at, manifest_hash, prev_backup_id, snapshot_meta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		snap.ID, snap.Agent, seq, snap.StorageHandle, snap.SizeBytes,
		snap.ClientTimestamp, snap.ReceivedAt, snap.ManifestHash, snap.PrevBackupID, meta)
	if isUniqueViolation(err) {
		return 0, errdefs.Wrap(errdefs.ErrConflict, "concurrent snapshot insert for %s", snap.Agent)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: insert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit snapshot: %w", err)
	}
	snap.Seq = seq
	return seq, nil
}

const snapshotColumns = `id, agent, seq, storage_handle, size_bytes, client_timestamp, received_at, manifest_hash, prev_backup_id, snapshot_meta`

func (s *Postgres) ListSnapshots(ctx context.Context, agent string, limit int) ([]*types.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE agent = $1 ORDER BY seq DESC`
	args := []interface{}{agent}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*types.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func scanSnapshot(rows *sql.Rows) (*types.Snapshot, error) {
	var snap types.Snapshot
	var meta []byte
	if err := rows.Scan(&snap.ID, &snap.Agent, &snap.Seq, &snap.StorageHandle, &snap.SizeBytes,
		&snap.ClientTimestamp, &snap.ReceivedAt, &snap.ManifestHash, &snap.PrevBackupID, &meta); err != nil {
		return nil, fmt.Errorf("storage: scan snapshot: %w", err)
	}
	if len(meta) > 0 {
		snap.Meta = json.RawMessage(meta)
	}
	return &snap, nil
}

func (s *Postgres) LatestSnapshot(ctx context.Context, agent string) (*types.Snapshot, error) {
	snaps, err := s.ListSnapshots(ctx, agent, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "no snapshots for %s", agent)
	}
	return snaps[0], nil
}

func (s *Postgres) CountSnapshots(ctx context.Context, agent string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE agent = $1`, agent).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count snapshots: %w", err)
	}
	return n, nil
}

// Auth challenges

func (s *Postgres) CreateChallenge(ctx context.Context, ch *types.AuthChallenge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_challenges (nonce, agent, expires_at, consumed, created_at) VALUES ($1, $2, $3, $4, $5)`,
		ch.Nonce, ch.Agent, ch.ExpiresAt, ch.Consumed, ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: create challenge: %w", err)
	}
	return nil
}

func (s *Postgres) GetChallenge(ctx context.Context, nonce string) (*types.AuthChallenge, error) {
	var ch types.AuthChallenge
	err := s.db.QueryRowContext(ctx,
		`SELECT nonce, agent, expires_at, consumed, created_at FROM auth_challenges WHERE nonce = $1`, nonce).
		Scan(&ch.Nonce, &ch.Agent, &ch.ExpiresAt, &ch.Consumed, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "challenge not found")
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get challenge: %w", err)
	}
	return &ch, nil
}

func (s *Postgres) ConsumeChallenge(ctx context.Context, nonce string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_challenges SET consumed = TRUE WHERE nonce = $1 AND consumed = FALSE`, nonce)
	if err != nil {
		return fmt.Errorf("storage: consume challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.Wrap(errdefs.ErrAuthInvalid, "challenge already consumed")
	}
	return nil
}

func (s *Postgres) DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_challenges WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired challenges: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Attestations

func (s *Postgres) CreateAttestation(ctx context.Context, att *types.Attestation, note *types.AttestationNote, cooldown time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin attestation tx: %w", err)
	}
	defer tx.Rollback()

	// Cooldown predicate inside the write transaction.
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attestations WHERE from_agent = $1 AND about_agent = $2 AND created_at > $3`,
		att.From, att.About, att.CreatedAt.Add(-cooldown)).Scan(&n); err != nil {
		return fmt.Errorf("storage: check cooldown: %w", err)
	}
	if n > 0 {
		return errdefs.Wrap(errdefs.ErrConflict, "attestation cooldown active for %s -> %s", att.From, att.About)
	}

	if note != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attestation_notes (hash, note, created_at) VALUES ($1, $2, $3) ON CONFLICT (hash) DO NOTHING`,
			note.Hash, note.Note, note.CreatedAt); err != nil {
			return fmt.Errorf("storage: insert note: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attestations (id, from_agent, about_agent, note_hash, tx_handle, tx_status, simulated, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		att.ID, att.From, att.About, att.NoteHash, att.TxHandle, string(att.TxStatus), att.Simulated, att.CreatedAt); err != nil {
		return fmt.Errorf("storage: insert attestation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit attestation: %w", err)
	}
	return nil
}

const attestationColumns = `id, from_agent, about_agent, note_hash, tx_handle, tx_status, simulated, created_at`

func (s *Postgres) ListAttestationsAbout(ctx context.Context, about string, limit int) ([]*types.Attestation, error) {
	query := `SELECT ` + attestationColumns + ` FROM attestations WHERE about_agent = $1 ORDER BY created_at DESC`
	args := []interface{}{about}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryAttestations(ctx, query, args...)
}

func (s *Postgres) ListAttestations(ctx context.Context) ([]*types.Attestation, error) {
	return s.queryAttestations(ctx, `SELECT `+attestationColumns+` FROM attestations`)
}

func (s *Postgres) queryAttestations(ctx context.Context, query string, args ...interface{}) ([]*types.Attestation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list attestations: %w", err)
	}
	defer rows.Close()

	var atts []*types.Attestation
	for rows.Next() {
		var a types.Attestation
		var status string
		if err := rows.Scan(&a.ID, &a.From, &a.About, &a.NoteHash, &a.TxHandle, &status, &a.Simulated, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan attestation: %w", err)
		}
		a.TxStatus = types.TxStatus(status)
		atts = append(atts, &a)
	}
	return atts, rows.Err()
}

func (s *Postgres) CountAttestationsAbout(ctx context.Context, about string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attestations WHERE about_agent = $1`, about).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count attestations: %w", err)
	}
	return n, nil
}

// Resurrection log

func (s *Postgres) AppendResurrection(ctx context.Context, ev *types.ResurrectionEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resurrection_log (agent, at, prior_status) VALUES ($1, $2, $3)`,
		ev.Agent, ev.At, string(ev.PriorStatus))
	if err != nil {
		return fmt.Errorf("storage: append resurrection: %w", err)
	}
	return nil
}

func (s *Postgres) ListResurrections(ctx context.Context, agent string) ([]*types.ResurrectionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent, at, prior_status FROM resurrection_log WHERE agent = $1 ORDER BY at DESC`, agent)
	if err != nil {
		return nil, fmt.Errorf("storage: list resurrections: %w", err)
	}
	defer rows.Close()

	var evs []*types.ResurrectionEvent
	for rows.Next() {
		var ev types.ResurrectionEvent
		var prior string
		if err := rows.Scan(&ev.Agent, &ev.At, &prior); err != nil {
			return nil, fmt.Errorf("storage: scan resurrection: %w", err)
		}
		ev.PriorStatus = types.AgentStatus(prior)
		evs = append(evs, &ev)
	}
	return evs, rows.Err()
}

func (s *Postgres) CountResurrectionsSince(ctx context.Context, agent string, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resurrection_log WHERE agent = $1 AND at >= $2`, agent, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count resurrections: %w", err)
	}
	return n, nil
}

// Heartbeats

func (s *Postgres) InsertHeartbeat(ctx context.Context, hb *types.Heartbeat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO heartbeats (agent, at, received_at) VALUES ($1, $2, $3)`,
		hb.Agent, hb.At, hb.ReceivedAt)
	if err != nil {
		return fmt.Errorf("storage: insert heartbeat: %w", err)
	}
	return nil
}

func (s *Postgres) LatestHeartbeat(ctx context.Context, agent string) (*types.Heartbeat, error) {
	var hb types.Heartbeat
	err := s.db.QueryRowContext(ctx,
		`SELECT agent, at, received_at FROM heartbeats WHERE agent = $1 ORDER BY received_at DESC LIMIT 1`, agent).
		Scan(&hb.Agent, &hb.At, &hb.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "no heartbeats for %s", agent)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: latest heartbeat: %w", err)
	}
	return &hb, nil
}

func (s *Postgres) PruneHeartbeats(ctx context.Context, keepAfter time.Time) (int64, error) {
	// The most recent row per agent survives regardless of age.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM heartbeats
		 WHERE received_at < $1
		   AND id NOT IN (SELECT MAX(id) FROM heartbeats GROUP BY agent)`, keepAfter)
	if err != nil {
		return 0, fmt.Errorf("storage: prune heartbeats: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Trust scores

func (s *Postgres) UpsertTrustScore(ctx context.Context, score *types.TrustScore) error {
	signals, err := json.Marshal(score.Signals)
	if err != nil {
		return fmt.Errorf("storage: marshal signals: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trust_scores (agent, score, level, unique_attesters, computed_at, signals)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (agent) DO UPDATE SET
		   score = EXCLUDED.score, level = EXCLUDED.level,
		   unique_attesters = EXCLUDED.unique_attesters,
		   computed_at = EXCLUDED.computed_at, signals = EXCLUDED.signals`,
		score.Agent, score.Score, string(score.Level), score.UniqueAttesters, score.ComputedAt, signals)
	if err != nil {
		return fmt.Errorf("storage: upsert trust score: %w", err)
	}
	return nil
}

func (s *Postgres) GetTrustScore(ctx context.Context, agent string) (*types.TrustScore, error) {
	var score types.TrustScore
	var level string
	var signals []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT agent, score, level, unique_attesters, computed_at, signals FROM trust_scores WHERE agent = $1`, agent).
		Scan(&score.Agent, &score.Score, &level, &score.UniqueAttesters, &score.ComputedAt, &signals)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "no trust score for %s", agent)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get trust score: %w", err)
	}
	score.Level = types.TrustLevel(level)
	if err := json.Unmarshal(signals, &score.Signals); err != nil {
		return nil, fmt.Errorf("storage: unmarshal signals: %w", err)
	}
	return &score, nil
}
