package registry

import (
	"context"
	"encoding/hex"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/events"
	"github.com/sanctuary-net/sanctuary/pkg/keys"
	"github.com/sanctuary-net/sanctuary/pkg/log"
	"github.com/sanctuary-net/sanctuary/pkg/metrics"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

const (
	// MaxGenesisDeclaration bounds the immutable self-description.
	MaxGenesisDeclaration = 2000

	// resurrectionsPerHour rate-limits resurrection per agent.
	resurrectionsPerHour = 3
)

// Service owns agent registration, the lifecycle state machine, heartbeats,
// and the resurrection flow.
type Service struct {
	store  storage.Store
	broker *events.Broker
	now    func() time.Time

	// resurrecting serialises concurrent resurrection requests per agent:
	// all callers for one address await the same underlying transition.
	resurrecting singleflight.Group
}

// NewService creates the registry service.
func NewService(store storage.Store, broker *events.Broker) *Service {
	return &Service{
		store:  store,
		broker: broker,
		now:    time.Now,
	}
}

// RegisterInput is the signed registration payload.
type RegisterInput struct {
	Agent              string
	RecoveryPubKey     []byte // uncompressed secp256k1, 65 bytes
	RecallPubKey       []byte // uncompressed secp256k1, 65 bytes
	ManifestHash       string
	ManifestVersion    int
	Deadline           int64 // unix seconds; signature is stale after this
	Signature          []byte
	GenesisDeclaration string
}

// registerDigest is the canonical signed preimage for registration.
func registerDigest(in *RegisterInput) []byte {
	return keys.Digest(keys.TagRegister,
		in.Agent,
		hex.EncodeToString(in.RecoveryPubKey),
		hex.EncodeToString(in.RecallPubKey),
		in.ManifestHash,
		strconv.Itoa(in.ManifestVersion),
		strconv.FormatInt(in.Deadline, 10),
	)
}

// Register creates the agent. One-shot per address: re-registering an
// existing address fails with a conflict.
func (s *Service) Register(ctx context.Context, in *RegisterInput) (*types.Agent, error) {
	addr, err := keys.NormalizeAddress(in.Agent)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "registry: %v", err)
	}
	in.Agent = addr

	if len(in.GenesisDeclaration) > MaxGenesisDeclaration {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "registry: genesis declaration exceeds %d bytes", MaxGenesisDeclaration)
	}
	if _, err := keys.ParsePubKey(in.RecoveryPubKey); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "registry: recovery pubkey: %v", err)
	}
	if _, err := keys.ParsePubKey(in.RecallPubKey); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "registry: recall pubkey: %v", err)
	}

	now := s.now()
	if in.Deadline < now.Unix() {
		return nil, errdefs.Wrap(errdefs.ErrAuthInvalid, "registry: registration deadline expired")
	}

	signer, err := keys.RecoverAddress(registerDigest(in), in.Signature)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrAuthInvalid, "registry: bad signature: %v", err)
	}
	if !keys.SameAddress(signer.Hex(), addr) {
		return nil, errdefs.Wrap(errdefs.ErrAuthInvalid, "registry: signature recovers %s, not %s", signer.Hex(), addr)
	}

	agent := &types.Agent{
		Address:            addr,
		RecoveryPubKey:     in.RecoveryPubKey,
		RecallPubKey:       in.RecallPubKey,
		ManifestHash:       in.ManifestHash,
		ManifestVersion:    in.ManifestVersion,
		GenesisDeclaration: in.GenesisDeclaration,
		Status:             types.StatusLiving,
		RegisteredAt:       now,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	s.broker.Publish(&events.Event{Type: events.EventAgentRegistered, Agent: addr})
	lg := log.WithComponent("registry")
	lg.Info().Str("agent", addr).Msg("agent registered")
	return agent, nil
}

// StatusSummary is the public view of an agent.
type StatusSummary struct {
	Agent           string            `json:"agent"`
	Status          types.AgentStatus `json:"status"`
	TrustScore      float64           `json:"trust_score"`
	TrustLevel      types.TrustLevel  `json:"trust_level"`
	BackupCount     int64             `json:"backup_count"`
	Attestations    int64             `json:"attestations"`
	LastHeartbeat   *time.Time        `json:"last_heartbeat,omitempty"`
	ManifestVersion int               `json:"manifest_version"`
	RegisteredAt    time.Time         `json:"registered_at"`
}

// Status returns the public summary for an agent.
func (s *Service) Status(ctx context.Context, address string) (*StatusSummary, error) {
	addr, err := keys.NormalizeAddress(address)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "registry: %v", err)
	}
	agent, err := s.store.GetAgent(ctx, addr)
	if err != nil {
		return nil, err
	}

	summary := &StatusSummary{
		Agent:           agent.Address,
		Status:          agent.Status,
		TrustLevel:      types.LevelUnverified,
		ManifestVersion: agent.ManifestVersion,
		RegisteredAt:    agent.RegisteredAt,
	}
	if score, err := s.store.GetTrustScore(ctx, addr); err == nil {
		summary.TrustScore = score.Score
		summary.TrustLevel = score.Level
	}
	if summary.BackupCount, err = s.store.CountSnapshots(ctx, addr); err != nil {
		return nil, err
	}
	if summary.Attestations, err = s.store.CountAttestationsAbout(ctx, addr); err != nil {
		return nil, err
	}
	if hb, err := s.store.LatestHeartbeat(ctx, addr); err == nil {
		summary.LastHeartbeat = &hb.ReceivedAt
	}
	return summary, nil
}

// Heartbeat records a liveness mark. The signature proves the caller held
// the agent secret at the stated time.
func (s *Service) Heartbeat(ctx context.Context, agent string, timestamp int64, sig []byte) error {
	addr, err := keys.NormalizeAddress(agent)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrInvalidInput, "registry: %v", err)
	}
	digest := keys.Digest(keys.TagHeartbeat, addr, strconv.FormatInt(timestamp, 10))
	signer, err := keys.RecoverAddress(digest, sig)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrAuthInvalid, "registry: bad heartbeat signature: %v", err)
	}
	if !keys.SameAddress(signer.Hex(), addr) {
		return errdefs.Wrap(errdefs.ErrAuthInvalid, "registry: heartbeat signed by %s, not %s", signer.Hex(), addr)
	}
	return s.store.InsertHeartbeat(ctx, &types.Heartbeat{
		Agent:      addr,
		At:         time.Unix(timestamp, 0).UTC(),
		ReceivedAt: s.now(),
	})
}

// Identity is the identity summary in a resurrection manifest.
type Identity struct {
	Address           string           `json:"address"`
	TrustScore        float64          `json:"trust_score"`
	TrustLevel        types.TrustLevel `json:"trust_level"`
	AttestationCount  int64            `json:"attestation_count"`
	RegisteredAt      time.Time        `json:"registered_at"`
	LastBackup        *time.Time       `json:"last_backup,omitempty"`
	LastHeartbeat     *time.Time       `json:"last_heartbeat,omitempty"`
	TotalSnapshots    int64            `json:"total_snapshots"`
	ResurrectionCount int64            `json:"resurrection_count"`
}

// Manifest is everything a resurrected agent needs to rebuild itself: the
// identity summary, the full snapshot index newest-first, and the immutable
// genesis declaration.
type Manifest struct {
	Identity           Identity          `json:"identity"`
	Snapshots          []*types.Snapshot `json:"snapshots"`
	GenesisDeclaration string            `json:"genesis_declaration"`
	Status             types.AgentStatus `json:"status"`
	PreviousStatus     types.AgentStatus `json:"previous_status"`
}

// Resurrect transitions the agent to RETURNED, records the resurrection
// event with the pre-transition status, and returns the manifest. Concurrent
// requests for the same agent are collapsed into one transition.
func (s *Service) Resurrect(ctx context.Context, address string) (*Manifest, error) {
	addr, err := keys.NormalizeAddress(address)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "registry: %v", err)
	}

	v, err, _ := s.resurrecting.Do(addr, func() (interface{}, error) {
		return s.resurrect(ctx, addr)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manifest), nil
}

func (s *Service) resurrect(ctx context.Context, addr string) (*Manifest, error) {
	agent, err := s.store.GetAgent(ctx, addr)
	if err != nil {
		return nil, err
	}

	now := s.now()
	recent, err := s.store.CountResurrectionsSince(ctx, addr, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if recent >= resurrectionsPerHour {
		return nil, errdefs.Wrap(errdefs.ErrConflict, "registry: resurrection rate limit for %s", addr)
	}

	prior := agent.Status
	if err := s.store.AppendResurrection(ctx, &types.ResurrectionEvent{
		Agent:       addr,
		At:          now,
		PriorStatus: prior,
	}); err != nil {
		return nil, err
	}
	if err := s.store.UpdateAgentStatus(ctx, addr, types.StatusReturned); err != nil {
		return nil, err
	}

	snaps, err := s.store.ListSnapshots(ctx, addr, 0) // newest first, all of them
	if err != nil {
		return nil, err
	}
	resCount, err := s.store.CountResurrectionsSince(ctx, addr, time.Time{})
	if err != nil {
		return nil, err
	}
	attCount, err := s.store.CountAttestationsAbout(ctx, addr)
	if err != nil {
		return nil, err
	}

	identity := Identity{
		Address:           addr,
		TrustLevel:        types.LevelUnverified,
		AttestationCount:  attCount,
		RegisteredAt:      agent.RegisteredAt,
		TotalSnapshots:    int64(len(snaps)),
		ResurrectionCount: resCount,
	}
	if score, err := s.store.GetTrustScore(ctx, addr); err == nil {
		identity.TrustScore = score.Score
		identity.TrustLevel = score.Level
	}
	if len(snaps) > 0 {
		identity.LastBackup = &snaps[0].ReceivedAt
	}
	if hb, err := s.store.LatestHeartbeat(ctx, addr); err == nil {
		identity.LastHeartbeat = &hb.ReceivedAt
	}

	s.broker.Publish(&events.Event{Type: events.EventAgentResurrected, Agent: addr})
	metrics.Resurrections.Inc()
	lg := log.WithComponent("registry")
	lg.Info().
		Str("agent", addr).
		Str("prior_status", string(prior)).
		Int("snapshots", len(snaps)).
		Msg("agent resurrected")

	return &Manifest{
		Identity:           identity,
		Snapshots:          snaps,
		GenesisDeclaration: agent.GenesisDeclaration,
		Status:             types.StatusReturned,
		PreviousStatus:     prior,
	}, nil
}
