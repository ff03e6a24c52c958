package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanctuary-net/sanctuary/pkg/events"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/trust"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

func TestSchedulerStartStop(t *testing.T) {
	store := storage.NewMemory()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	s := New(store, trust.NewEngine(store), broker)
	s.Start()

	// Stop must return promptly with all loops parked on their timers.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestEventDrivenRecompute(t *testing.T) {
	store := storage.NewMemory()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	ctx := context.Background()
	addr := "0xabcdef0123456789abcdef0123456789abcdef01"
	require.NoError(t, store.CreateAgent(ctx, &types.Agent{
		Address: addr, Status: types.StatusLiving, RegisteredAt: time.Now().Add(-24 * time.Hour),
	}))

	s := New(store, trust.NewEngine(store), broker)
	s.Start()
	defer s.Stop()

	broker.Publish(&events.Event{Type: events.EventSnapshotStored, Agent: addr})

	require.Eventually(t, func() bool {
		_, err := store.GetTrustScore(ctx, addr)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExpireChallengesJob(t *testing.T) {
	store := storage.NewMemory()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	ctx := context.Background()
	require.NoError(t, store.CreateChallenge(ctx, &types.AuthChallenge{
		Nonce: "stale", ExpiresAt: time.Now().Add(-time.Minute),
	}))

	s := New(store, trust.NewEngine(store), broker)
	require.NoError(t, s.expireChallenges(ctx))

	_, err := store.GetChallenge(ctx, "stale")
	assert.Error(t, err)
}
