package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanctuary-net/sanctuary/pkg/events"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

func TestDetectFallen(t *testing.T) {
	store := storage.NewMemory()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	ctx := context.Background()
	now := time.Now()

	seed := func(address string, status types.AgentStatus, registeredAt time.Time) {
		require.NoError(t, store.CreateAgent(ctx, &types.Agent{
			Address: address, Status: status, RegisteredAt: registeredAt,
		}))
	}

	// Silent past the threshold, no heartbeat at all.
	seed("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", types.StatusLiving, now.Add(-60*24*time.Hour))
	// Old registration, but a recent heartbeat keeps it alive.
	seed("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", types.StatusLiving, now.Add(-60*24*time.Hour))
	require.NoError(t, store.InsertHeartbeat(ctx, &types.Heartbeat{
		Agent: "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", ReceivedAt: now.Add(-time.Hour),
	}))
	// Heartbeat exists but is stale.
	seed("0xcccccccccccccccccccccccccccccccccccccccc", types.StatusLiving, now.Add(-60*24*time.Hour))
	require.NoError(t, store.InsertHeartbeat(ctx, &types.Heartbeat{
		Agent: "0xcccccccccccccccccccccccccccccccccccccccc", ReceivedAt: now.Add(-45 * 24 * time.Hour),
	}))
	// RETURNED agents are exempt however silent.
	seed("0xdddddddddddddddddddddddddddddddddddddddd", types.StatusReturned, now.Add(-60*24*time.Hour))
	// Young agent with no heartbeat yet.
	seed("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", types.StatusLiving, now.Add(-24*time.Hour))

	fallen, err := DetectFallen(ctx, store, broker, now)
	require.NoError(t, err)
	assert.Equal(t, 2, fallen)

	expect := map[string]types.AgentStatus{
		"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa": types.StatusFallen,
		"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb": types.StatusLiving,
		"0xcccccccccccccccccccccccccccccccccccccccc": types.StatusFallen,
		"0xdddddddddddddddddddddddddddddddddddddddd": types.StatusReturned,
		"0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee": types.StatusLiving,
	}
	for address, want := range expect {
		agent, err := store.GetAgent(ctx, address)
		require.NoError(t, err)
		assert.Equal(t, want, agent.Status, address)
	}
}

func TestDetectFallenIdempotent(t *testing.T) {
	store := storage.NewMemory()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.CreateAgent(ctx, &types.Agent{
		Address: agentAddr, Status: types.StatusLiving, RegisteredAt: now.Add(-60 * 24 * time.Hour),
	}))

	fallen, err := DetectFallen(ctx, store, broker, now)
	require.NoError(t, err)
	assert.Equal(t, 1, fallen)

	// Second pass sees no LIVING agents left to fall.
	fallen, err = DetectFallen(ctx, store, broker, now)
	require.NoError(t, err)
	assert.Zero(t, fallen)
}
