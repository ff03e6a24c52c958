package types

import (
	"encoding/json"
	"time"
)

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	// StatusLiving is the state of a registered agent with a recent heartbeat.
	StatusLiving AgentStatus = "LIVING"
	// StatusFallen is entered by the liveness sweep when heartbeats stop.
	// A fallen agent cannot upload snapshots.
	StatusFallen AgentStatus = "FALLEN"
	// StatusReturned marks an agent that has been resurrected at least once.
	// Operationally equivalent to LIVING for write permissions.
	StatusReturned AgentStatus = "RETURNED"
)

// Writable reports whether an agent in this status may upload snapshots and
// issue attestations.
func (s AgentStatus) Writable() bool {
	return s == StatusLiving || s == StatusReturned
}

// Agent is the identity anchor. Created once, never deleted; only Status
// changes after the genesis write.
type Agent struct {
	// Address is the 0x-prefixed lowercase hex form of the 20-byte address
	// derived from the agent public key. Primary key for all agent data.
	Address            string
	RecoveryPubKey     []byte // uncompressed secp256k1 point, 65 bytes
	RecallPubKey       []byte // uncompressed secp256k1 point, 65 bytes
	ManifestHash       string
	ManifestVersion    int
	GenesisDeclaration string // immutable, <=2000 bytes, may be empty
	Status             AgentStatus
	RegisteredAt       time.Time
}

// Snapshot is one append-only record of an encrypted memory upload.
type Snapshot struct {
	ID              string // random 128-bit, hex
	Agent           string
	Seq             int64 // dense, strictly increasing per agent, from 1
	StorageHandle   string
	SizeBytes       int64
	ClientTimestamp time.Time // self-reported by the uploader
	ReceivedAt      time.Time
	ManifestHash    string
	PrevBackupID    string          // empty for the first snapshot
	Meta            json.RawMessage // free-form, <=10 KiB, may be nil
}

// SnapshotMeta is the typed view of the known snapshot metadata fields.
// Unknown fields are preserved in the raw form; this struct never round-trips
// on its own.
type SnapshotMeta struct {
	Model    string `json:"model,omitempty"`
	Platform string `json:"platform,omitempty"`
	Genesis  bool   `json:"genesis,omitempty"`
	Session  int    `json:"session,omitempty"`
}

// ParseMeta decodes the known metadata fields, tolerating unknown ones.
func (s *Snapshot) ParseMeta() (SnapshotMeta, error) {
	var m SnapshotMeta
	if len(s.Meta) == 0 {
		return m, nil
	}
	err := json.Unmarshal(s.Meta, &m)
	return m, err
}

// AuthChallenge is a single-use nonce bound to an agent address.
type AuthChallenge struct {
	Nonce     string // random 128-bit, hex
	Agent     string
	ExpiresAt time.Time
	Consumed  bool
	CreatedAt time.Time
}

// TxStatus tracks the ledger relay state of an attestation.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxSimulated TxStatus = "simulated"
)

// Attestation is a signed vouch by one agent about another.
type Attestation struct {
	ID        string
	From      string
	About     string
	NoteHash  string // 256-bit, hex
	TxHandle  string
	TxStatus  TxStatus
	Simulated bool
	CreatedAt time.Time
}

// AttestationNote is hash-addressed note content. Insert-if-absent; many
// attestations may reference one note.
type AttestationNote struct {
	Hash      string
	Note      string
	CreatedAt time.Time
}

// ResurrectionEvent records one FALLEN -> RETURNED transition.
type ResurrectionEvent struct {
	Agent       string
	At          time.Time
	PriorStatus AgentStatus
}

// Heartbeat is one liveness mark.
type Heartbeat struct {
	Agent      string
	At         time.Time // signed by the agent
	ReceivedAt time.Time
}

// TrustLevel buckets the raw trust score.
type TrustLevel string

const (
	LevelUnverified  TrustLevel = "UNVERIFIED"  // < 20
	LevelVerified    TrustLevel = "VERIFIED"    // < 50
	LevelEstablished TrustLevel = "ESTABLISHED" // < 100
	LevelPillar      TrustLevel = "PILLAR"      // >= 100
)

// TrustSignals is the six-field breakdown, each in [0,1].
type TrustSignals struct {
	Age                 float64 `json:"age"`
	BackupConsistency   float64 `json:"backup_consistency"`
	Attestations        float64 `json:"attestations"`
	ModelStability      float64 `json:"model_stability"`
	GenesisCompleteness float64 `json:"genesis_completeness"`
	RecoveryResilience  float64 `json:"recovery_resilience"`
}

// TrustScore is the derived, cached score for one agent.
type TrustScore struct {
	Agent           string
	Score           float64
	Level           TrustLevel
	UniqueAttesters int
	ComputedAt      time.Time
	Signals         TrustSignals
}
