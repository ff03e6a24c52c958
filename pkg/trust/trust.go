package trust

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sanctuary-net/sanctuary/pkg/log"
	"github.com/sanctuary-net/sanctuary/pkg/metrics"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

const (
	// RawCap is the maximum raw trust score.
	RawCap = 150.0

	// monthDays converts age to months for the age signal.
	monthDays = 30.0

	// propagationIterations is the fixed point-spreading depth.
	propagationIterations = 3

	// propagationTTL bounds how stale the cached network propagation may be.
	propagationTTL = time.Minute
)

// Signal weights. They sum to 1; the raw score is the weighted sum times RawCap.
const (
	weightAge          = 0.20
	weightConsistency  = 0.25
	weightAttestations = 0.30
	weightStability    = 0.10
	weightGenesis      = 0.05
	weightRecovery     = 0.10
)

// Engine computes and caches trust scores. Scores are derived and advisory:
// the stored value is a cache of what the signals said at ComputedAt, and the
// last writer wins under concurrent recomputes.
type Engine struct {
	store storage.Store
	now   func() time.Time

	// prop caches the network-wide attestation propagation, which needs all
	// agents and all attestations. Per-agent recomputes within the TTL reuse it.
	prop struct {
		sync.Mutex
		points  map[string]float64
		expires time.Time
	}
}

// NewEngine creates the trust engine.
func NewEngine(store storage.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Level buckets a raw score into the four discrete levels.
func Level(raw float64) types.TrustLevel {
	switch {
	case raw < 20:
		return types.LevelUnverified
	case raw < 50:
		return types.LevelVerified
	case raw < 100:
		return types.LevelEstablished
	default:
		return types.LevelPillar
	}
}

// Recompute derives the six signals for one agent, stores the result, and
// returns it.
func (e *Engine) Recompute(ctx context.Context, address string) (*types.TrustScore, error) {
	agent, err := e.store.GetAgent(ctx, address)
	if err != nil {
		return nil, err
	}
	now := e.now()

	snaps, err := e.store.ListSnapshots(ctx, address, 0)
	if err != nil {
		return nil, err
	}
	attestations, err := e.store.ListAttestationsAbout(ctx, address, 0)
	if err != nil {
		return nil, err
	}
	resurrections, err := e.store.ListResurrections(ctx, address)
	if err != nil {
		return nil, err
	}
	points, err := e.propagatedPoints(ctx)
	if err != nil {
		return nil, err
	}

	signals := types.TrustSignals{
		Age:                 ageSignal(agent.RegisteredAt, now),
		BackupConsistency:   consistencySignal(snaps, agent.RegisteredAt, now),
		Attestations:        clamp01(points[address] / RawCap),
		ModelStability:      stabilitySignal(snaps, agent.RegisteredAt, now),
		GenesisCompleteness: genesisSignal(agent.GenesisDeclaration != "", len(snaps) > 0, len(attestations) > 0),
		RecoveryResilience:  recoverySignal(resurrections, now),
	}

	raw := RawCap * (weightAge*signals.Age +
		weightConsistency*signals.BackupConsistency +
		weightAttestations*signals.Attestations +
		weightStability*signals.ModelStability +
		weightGenesis*signals.GenesisCompleteness +
		weightRecovery*signals.RecoveryResilience)

	score := &types.TrustScore{
		Agent:           address,
		Score:           raw,
		Level:           Level(raw),
		UniqueAttesters: uniqueAttesters(attestations),
		ComputedAt:      now,
		Signals:         signals,
	}
	if err := e.store.UpsertTrustScore(ctx, score); err != nil {
		return nil, err
	}
	metrics.TrustRecomputes.Inc()
	return score, nil
}

// SweepAll recomputes every agent's score. Returns the number recomputed and
// the first error encountered; the sweep keeps going past per-agent failures.
func (e *Engine) SweepAll(ctx context.Context) (int, error) {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	e.invalidatePropagation()

	var firstErr error
	done := 0
	for _, a := range agents {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if _, err := e.Recompute(ctx, a.Address); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			lg := log.WithComponent("trust")
			lg.Warn().Err(err).Str("agent", a.Address).Msg("recompute failed")
			continue
		}
		done++
	}
	return done, firstErr
}

func (e *Engine) invalidatePropagation() {
	e.prop.Lock()
	e.prop.points = nil
	e.prop.Unlock()
}

// propagatedPoints runs the network-wide point spreading: every agent is
// seeded with ageMonths + 0.5*min(backups,100) points, then for three
// iterations each agent gains 0.1 times the sum of its unique attesters'
// current points. Mutual attestation pairs contribute at half weight.
func (e *Engine) propagatedPoints(ctx context.Context) (map[string]float64, error) {
	e.prop.Lock()
	defer e.prop.Unlock()
	if e.prop.points != nil && e.now().Before(e.prop.expires) {
		return e.prop.points, nil
	}

	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	attestations, err := e.store.ListAttestations(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	points := make(map[string]float64, len(agents))
	for _, a := range agents {
		backups, err := e.store.CountSnapshots(ctx, a.Address)
		if err != nil {
			return nil, err
		}
		months := now.Sub(a.RegisteredAt).Hours() / 24 / monthDays
		points[a.Address] = months + 0.5*math.Min(float64(backups), 100)
	}

	// attesters[about] = unique set of froms; pairs with a reverse edge are
	// mutual and weighted 0.5.
	attesters := make(map[string]map[string]bool)
	for _, att := range attestations {
		if attesters[att.About] == nil {
			attesters[att.About] = make(map[string]bool)
		}
		attesters[att.About][att.From] = true
	}

	for i := 0; i < propagationIterations; i++ {
		next := make(map[string]float64, len(points))
		for addr, p := range points {
			gain := 0.0
			for from := range attesters[addr] {
				w := 1.0
				if attesters[from][addr] {
					w = 0.5
				}
				gain += w * points[from]
			}
			next[addr] = p + 0.1*gain
		}
		points = next
	}

	e.prop.points = points
	e.prop.expires = now.Add(propagationTTL)
	return points, nil
}

func ageSignal(registeredAt, now time.Time) float64 {
	months := now.Sub(registeredAt).Hours() / 24 / monthDays
	return clamp01(months / 12)
}

// consistencySignal rewards a steady daily backup habit. Consecutive
// snapshots with the same manifest hash collapse to one meaningful backup;
// each gap over seven days between consecutive snapshots costs 0.1.
func consistencySignal(snaps []*types.Snapshot, registeredAt, now time.Time) float64 {
	days := now.Sub(registeredAt).Hours() / 24
	if days < 1 {
		return 0
	}
	if len(snaps) == 0 {
		return 0
	}

	// Oldest first for the collapse and gap walk.
	ordered := make([]*types.Snapshot, len(snaps))
	copy(ordered, snaps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	meaningful := 1
	gaps := 0
	for i := 1; i < len(ordered); i++ {
		if ordered[i].ManifestHash != ordered[i-1].ManifestHash {
			meaningful++
		}
		if ordered[i].ReceivedAt.Sub(ordered[i-1].ReceivedAt) > 7*24*time.Hour {
			gaps++
		}
	}

	ratio := math.Min(float64(meaningful)/days, 1)
	return clamp01(ratio - 0.1*float64(gaps))
}

// stabilitySignal is the fraction of the agent's lifetime spent on its
// currently-reported model. Neutral 0.5 when no snapshot ever reports one.
func stabilitySignal(snaps []*types.Snapshot, registeredAt, now time.Time) float64 {
	lifetime := now.Sub(registeredAt)
	if lifetime <= 0 {
		return 0.5
	}

	// Newest-first input. Find the current model and the start of its most
	// recent contiguous run.
	current := ""
	var runStart time.Time
	for _, s := range snaps {
		meta, err := s.ParseMeta()
		if err != nil || meta.Model == "" {
			continue
		}
		if current == "" {
			current = meta.Model
			runStart = s.ReceivedAt
			continue
		}
		if meta.Model != current {
			break
		}
		runStart = s.ReceivedAt
	}
	if current == "" {
		return 0.5
	}
	return clamp01(now.Sub(runStart).Seconds() / lifetime.Seconds())
}

func genesisSignal(hasDeclaration, hasBackup, hasAttestation bool) float64 {
	v := 0.0
	if hasDeclaration {
		v += 0.4
	}
	if hasBackup {
		v += 0.3
	}
	if hasAttestation {
		v += 0.3
	}
	return v
}

func recoverySignal(events []*types.ResurrectionEvent, now time.Time) float64 {
	total := len(events)
	recent := 0
	cutoff := now.Add(-30 * 24 * time.Hour)
	for _, ev := range events {
		if ev.At.After(cutoff) {
			recent++
		}
	}
	v := 0.5 + 0.25*math.Min(float64(total), 2) - 0.2*math.Max(0, float64(recent-3))
	return clamp01(v)
}

func uniqueAttesters(attestations []*types.Attestation) int {
	seen := make(map[string]bool, len(attestations))
	for _, att := range attestations {
		seen[att.From] = true
	}
	return len(seen)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
