package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

const addr = "0xabcdef0123456789abcdef0123456789abcdef01"

func seedAgent(t *testing.T, s Store, address string) {
	t.Helper()
	err := s.CreateAgent(context.Background(), &types.Agent{
		Address:      address,
		Status:       types.StatusLiving,
		RegisteredAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestCreateAgentOnce(t *testing.T) {
	s := NewMemory()
	seedAgent(t, s, addr)

	err := s.CreateAgent(context.Background(), &types.Agent{Address: addr})
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
}

func TestSeqAllocationDense(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seq, err := s.InsertSnapshot(ctx, &types.Snapshot{
			ID:         fmt.Sprintf("snap-%d", i),
			Agent:      addr,
			ReceivedAt: time.Now(),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}

	snaps, err := s.ListSnapshots(ctx, addr, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 5)
	// Newest first, dense.
	for i, snap := range snaps {
		assert.Equal(t, int64(5-i), snap.Seq)
	}
}

func TestSeqAllocationConcurrent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := s.InsertSnapshot(ctx, &types.Snapshot{
				ID:    fmt.Sprintf("snap-%d", i),
				Agent: addr,
			})
			assert.NoError(t, err)
			seqs <- seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "seq %d allocated twice", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "seq %d missing", i)
	}
}

func TestListSnapshotsLimit(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.InsertSnapshot(ctx, &types.Snapshot{ID: fmt.Sprintf("snap-%d", i), Agent: addr})
		require.NoError(t, err)
	}

	snaps, err := s.ListSnapshots(ctx, addr, 3)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, int64(10), snaps[0].Seq)

	latest, err := s.LatestSnapshot(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(10), latest.Seq)
}

func TestConsumeChallengeOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.CreateChallenge(ctx, &types.AuthChallenge{
		Nonce:     "n1",
		Agent:     addr,
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	require.NoError(t, s.ConsumeChallenge(ctx, "n1"))

	err := s.ConsumeChallenge(ctx, "n1")
	require.Error(t, err)
	assert.True(t, errdefs.IsAuthInvalid(err))
}

func TestDeleteExpiredChallenges(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateChallenge(ctx, &types.AuthChallenge{Nonce: "old", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.CreateChallenge(ctx, &types.AuthChallenge{Nonce: "fresh", ExpiresAt: now.Add(time.Minute)}))

	n, err := s.DeleteExpiredChallenges(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetChallenge(ctx, "old")
	assert.True(t, errdefs.IsNotFound(err))
	_, err = s.GetChallenge(ctx, "fresh")
	assert.NoError(t, err)
}

func TestAttestationCooldown(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()
	cooldown := 7 * 24 * time.Hour

	first := &types.Attestation{ID: "a1", From: "0xaa", About: "0xbb", CreatedAt: now}
	require.NoError(t, s.CreateAttestation(ctx, first, nil, cooldown))

	// Same pair inside the window is rejected.
	again := &types.Attestation{ID: "a2", From: "0xaa", About: "0xbb", CreatedAt: now.Add(time.Hour)}
	err := s.CreateAttestation(ctx, again, nil, cooldown)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	// Reverse direction is a different pair.
	reverse := &types.Attestation{ID: "a3", From: "0xbb", About: "0xaa", CreatedAt: now.Add(time.Hour)}
	assert.NoError(t, s.CreateAttestation(ctx, reverse, nil, cooldown))

	// Same pair after the window passes.
	later := &types.Attestation{ID: "a4", From: "0xaa", About: "0xbb", CreatedAt: now.Add(cooldown + time.Hour)}
	assert.NoError(t, s.CreateAttestation(ctx, later, nil, cooldown))
}

func TestPruneHeartbeatsKeepsNewest(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	// Agent A: two old heartbeats. Agent B: one old, one fresh.
	require.NoError(t, s.InsertHeartbeat(ctx, &types.Heartbeat{Agent: "0xaa", ReceivedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.InsertHeartbeat(ctx, &types.Heartbeat{Agent: "0xaa", ReceivedAt: now.Add(-36 * time.Hour)}))
	require.NoError(t, s.InsertHeartbeat(ctx, &types.Heartbeat{Agent: "0xbb", ReceivedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.InsertHeartbeat(ctx, &types.Heartbeat{Agent: "0xbb", ReceivedAt: now}))

	pruned, err := s.PruneHeartbeats(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	// A keeps its newest even though it is past the cutoff.
	hb, err := s.LatestHeartbeat(ctx, "0xaa")
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(-36*time.Hour), hb.ReceivedAt, time.Second)

	hb, err = s.LatestHeartbeat(ctx, "0xbb")
	require.NoError(t, err)
	assert.WithinDuration(t, now, hb.ReceivedAt, time.Second)
}

func TestUpsertTrustScore(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.GetTrustScore(ctx, addr)
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, s.UpsertTrustScore(ctx, &types.TrustScore{Agent: addr, Score: 10, Level: types.LevelUnverified}))
	require.NoError(t, s.UpsertTrustScore(ctx, &types.TrustScore{Agent: addr, Score: 42, Level: types.LevelVerified}))

	score, err := s.GetTrustScore(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, 42.0, score.Score)
	assert.Equal(t, types.LevelVerified, score.Level)
}

func TestResurrectionLog(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.AppendResurrection(ctx, &types.ResurrectionEvent{Agent: addr, At: now.Add(-2 * time.Hour), PriorStatus: types.StatusFallen}))
	require.NoError(t, s.AppendResurrection(ctx, &types.ResurrectionEvent{Agent: addr, At: now, PriorStatus: types.StatusReturned}))

	n, err := s.CountResurrectionsSince(ctx, addr, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.CountResurrectionsSince(ctx, addr, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	evs, err := s.ListResurrections(ctx, addr)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, types.StatusReturned, evs[0].PriorStatus) // newest first
}
