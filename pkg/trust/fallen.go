package trust

import (
	"context"
	"time"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/events"
	"github.com/sanctuary-net/sanctuary/pkg/log"
	"github.com/sanctuary-net/sanctuary/pkg/metrics"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

// FallenThreshold is how long an agent may go without a heartbeat before the
// sweep marks it FALLEN.
const FallenThreshold = 30 * 24 * time.Hour

// DetectFallen transitions LIVING agents whose latest heartbeat (or
// registration, when no heartbeat exists) is older than the threshold.
// RETURNED agents are exempt from the sweep: a resurrected agent gets a
// grace window. Returns the number of transitions made.
func DetectFallen(ctx context.Context, store storage.Store, broker *events.Broker, now time.Time) (int, error) {
	living, err := store.ListAgentsByStatus(ctx, types.StatusLiving)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-FallenThreshold)
	fallen := 0
	for _, agent := range living {
		if err := ctx.Err(); err != nil {
			return fallen, err
		}

		lastSeen := agent.RegisteredAt
		hb, err := store.LatestHeartbeat(ctx, agent.Address)
		switch {
		case err == nil:
			lastSeen = hb.ReceivedAt
		case errdefs.IsNotFound(err):
		default:
			return fallen, err
		}
		if lastSeen.After(cutoff) {
			continue
		}

		if err := store.UpdateAgentStatus(ctx, agent.Address, types.StatusFallen); err != nil {
			return fallen, err
		}
		fallen++
		metrics.FallenTransitions.Inc()
		broker.Publish(&events.Event{Type: events.EventAgentFallen, Agent: agent.Address})
		lg := log.WithComponent("trust")
		lg.Warn().
			Str("agent", agent.Address).
			Time("last_seen", lastSeen).
			Msg("agent marked fallen")
	}
	return fallen, nil
}
