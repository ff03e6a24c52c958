package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

// Memory implements Store in process memory. It backs unit tests and the
// --dev mode of sanctuaryd; semantics match the Postgres implementation,
// including atomic seq allocation and single-use challenge consumption.
type Memory struct {
	mu            sync.RWMutex
	agents        map[string]*types.Agent
	snapshots     map[string][]*types.Snapshot // by agent, ascending seq
	challenges    map[string]*types.AuthChallenge
	attestations  []*types.Attestation
	notes         map[string]*types.AttestationNote
	resurrections []*types.ResurrectionEvent
	heartbeats    []*types.Heartbeat
	trustScores   map[string]*types.TrustScore
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:      make(map[string]*types.Agent),
		snapshots:   make(map[string][]*types.Snapshot),
		challenges:  make(map[string]*types.AuthChallenge),
		notes:       make(map[string]*types.AttestationNote),
		trustScores: make(map[string]*types.TrustScore),
	}
}

func (s *Memory) Close() error { return nil }

// Agents

func (s *Memory) CreateAgent(_ context.Context, agent *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.Address]; exists {
		return errdefs.Wrap(errdefs.ErrConflict, "agent %s already registered", agent.Address)
	}
	cp := *agent
	s.agents[agent.Address] = &cp
	return nil
}

func (s *Memory) GetAgent(_ context.Context, address string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[address]
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "agent not found")
	}
	cp := *agent
	return &cp, nil
}

func (s *Memory) UpdateAgentStatus(_ context.Context, address string, status types.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[address]
	if !ok {
		return errdefs.Wrap(errdefs.ErrNotFound, "agent %s not found", address)
	}
	agent.Status = status
	return nil
}

func (s *Memory) ListAgents(_ context.Context) ([]*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*types.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		agents = append(agents, &cp)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Address < agents[j].Address })
	return agents, nil
}

func (s *Memory) ListAgentsByStatus(_ context.Context, status types.AgentStatus) ([]*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agents []*types.Agent
	for _, a := range s.agents {
		if a.Status == status {
			cp := *a
			agents = append(agents, &cp)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Address < agents[j].Address })
	return agents, nil
}

// Snapshots

func (s *Memory) InsertSnapshot(_ context.Context, snap *types.Snapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.snapshots[snap.Agent]
	var maxSeq int64
	if len(existing) > 0 {
		maxSeq = existing[len(existing)-1].Seq
	}
	cp := *snap
	cp.Seq = maxSeq + 1
	s.snapshots[snap.Agent] = append(existing, &cp)
	snap.Seq = cp.Seq
	return cp.Seq, nil
}

func (s *Memory) ListSnapshots(_ context.Context, agent string, limit int) ([]*types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asc := s.snapshots[agent]
	out := make([]*types.Snapshot, 0, len(asc))
	for i := len(asc) - 1; i >= 0; i-- {
		cp := *asc[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) LatestSnapshot(ctx context.Context, agent string) (*types.Snapshot, error) {
	snaps, err := s.ListSnapshots(ctx, agent, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "no snapshots for %s", agent)
	}
	return snaps[0], nil
}

func (s *Memory) CountSnapshots(_ context.Context, agent string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.snapshots[agent])), nil
}

// Auth challenges

func (s *Memory) CreateChallenge(_ context.Context, ch *types.AuthChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	s.challenges[ch.Nonce] = &cp
	return nil
}

func (s *Memory) GetChallenge(_ context.Context, nonce string) (*types.AuthChallenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.challenges[nonce]
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "challenge not found")
	}
	cp := *ch
	return &cp, nil
}

func (s *Memory) ConsumeChallenge(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[nonce]
	if !ok || ch.Consumed {
		return errdefs.Wrap(errdefs.ErrAuthInvalid, "challenge already consumed")
	}
	ch.Consumed = true
	return nil
}

func (s *Memory) DeleteExpiredChallenges(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for nonce, ch := range s.challenges {
		if ch.ExpiresAt.Before(before) {
			delete(s.challenges, nonce)
			n++
		}
	}
	return n, nil
}

// Attestations

func (s *Memory) CreateAttestation(_ context.Context, att *types.Attestation, note *types.AttestationNote, cooldown time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := att.CreatedAt.Add(-cooldown)
	for _, a := range s.attestations {
		if a.From == att.From && a.About == att.About && a.CreatedAt.After(cutoff) {
			return errdefs.Wrap(errdefs.ErrConflict, "attestation cooldown active for %s -> %s", att.From, att.About)
		}
	}
	if note != nil {
		if _, exists := s.notes[note.Hash]; !exists {
			cp := *note
			s.notes[note.Hash] = &cp
		}
	}
	cp := *att
	s.attestations = append(s.attestations, &cp)
	return nil
}

func (s *Memory) ListAttestationsAbout(_ context.Context, about string, limit int) ([]*types.Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Attestation
	for i := len(s.attestations) - 1; i >= 0; i-- {
		if s.attestations[i].About == about {
			cp := *s.attestations[i]
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Memory) ListAttestations(_ context.Context) ([]*types.Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Attestation, 0, len(s.attestations))
	for _, a := range s.attestations {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Memory) CountAttestationsAbout(_ context.Context, about string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, a := range s.attestations {
		if a.About == about {
			n++
		}
	}
	return n, nil
}

// Resurrection log

func (s *Memory) AppendResurrection(_ context.Context, ev *types.ResurrectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.resurrections = append(s.resurrections, &cp)
	return nil
}

func (s *Memory) ListResurrections(_ context.Context, agent string) ([]*types.ResurrectionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ResurrectionEvent
	for i := len(s.resurrections) - 1; i >= 0; i-- {
		if s.resurrections[i].Agent == agent {
			cp := *s.resurrections[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Memory) CountResurrectionsSince(_ context.Context, agent string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, ev := range s.resurrections {
		if ev.Agent == agent && !ev.At.Before(since) {
			n++
		}
	}
	return n, nil
}

// Heartbeats

func (s *Memory) InsertHeartbeat(_ context.Context, hb *types.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *hb
	s.heartbeats = append(s.heartbeats, &cp)
	return nil
}

func (s *Memory) LatestHeartbeat(_ context.Context, agent string) (*types.Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.heartbeats) - 1; i >= 0; i-- {
		if s.heartbeats[i].Agent == agent {
			cp := *s.heartbeats[i]
			return &cp, nil
		}
	}
	return nil, errdefs.Wrap(errdefs.ErrNotFound, "no heartbeats for %s", agent)
}

func (s *Memory) PruneHeartbeats(_ context.Context, keepAfter time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newest := make(map[string]int)
	for i, hb := range s.heartbeats {
		newest[hb.Agent] = i
	}
	kept := s.heartbeats[:0]
	var pruned int64
	for i, hb := range s.heartbeats {
		if hb.ReceivedAt.Before(keepAfter) && newest[hb.Agent] != i {
			pruned++
			continue
		}
		kept = append(kept, hb)
	}
	s.heartbeats = kept
	return pruned, nil
}

// Trust scores

func (s *Memory) UpsertTrustScore(_ context.Context, score *types.TrustScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *score
	s.trustScores[score.Agent] = &cp
	return nil
}

func (s *Memory) GetTrustScore(_ context.Context, agent string) (*types.TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.trustScores[agent]
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "no trust score for %s", agent)
	}
	cp := *score
	return &cp, nil
}
