package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sanctuary-net/sanctuary/pkg/events"
	"github.com/sanctuary-net/sanctuary/pkg/log"
	"github.com/sanctuary-net/sanctuary/pkg/metrics"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/trust"
)

// Default job intervals.
const (
	ChallengeGCInterval    = 15 * time.Minute
	HeartbeatPruneInterval = time.Hour
	TrustSweepInterval     = time.Hour
	FallenDetectInterval   = 6 * time.Hour

	// HeartbeatRetention is how far back pruned heartbeats are kept. The
	// newest row per agent always survives regardless of age.
	HeartbeatRetention = 90 * 24 * time.Hour

	baseBackoff = time.Second
	maxBackoff  = 60 * time.Second
)

// Scheduler runs the periodic maintenance jobs and the event-driven trust
// recomputes. One instance per process; jobs never propagate errors to
// callers, they log and retry with exponential back-off.
type Scheduler struct {
	store  storage.Store
	engine *trust.Engine
	broker *events.Broker
	gate   *Gate

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the scheduler.
func New(store storage.Store, engine *trust.Engine, broker *events.Broker) *Scheduler {
	return &Scheduler{
		store:  store,
		engine: engine,
		broker: broker,
		gate:   &Gate{},
		stopCh: make(chan struct{}),
	}
}

// Gate exposes the shared scan gate, mainly for observability.
func (s *Scheduler) Gate() *Gate { return s.gate }

// Start launches all job loops.
func (s *Scheduler) Start() {
	s.launch("challenge_gc", ChallengeGCInterval, s.expireChallenges)
	s.launch("heartbeat_prune", HeartbeatPruneInterval, s.pruneHeartbeats)
	s.launch("trust_sweep", TrustSweepInterval, s.trustSweep)
	s.launch("fallen_detect", FallenDetectInterval, s.detectFallen)

	s.wg.Add(1)
	go s.watchEvents()
	lg := log.WithComponent("scheduler")
	lg.Info().Msg("scheduler started")
}

// Stop asks every job to wind down and waits for them.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.gate.RequestStop()
	s.wg.Wait()
	lg2 := log.WithComponent("scheduler")
	lg2.Info().Msg("scheduler stopped")
}

// launch runs one job on its interval. A failed run is retried with
// exponential back-off capped at maxBackoff; any success resets the delay to
// the nominal interval.
func (s *Scheduler) launch(name string, interval time.Duration, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		backoff := baseBackoff
		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case <-timer.C:
			case <-s.stopCh:
				return
			}

			ctx, cancel := s.jobContext()
			err := run(ctx)
			cancel()

			if err != nil {
				metrics.JobRuns.WithLabelValues(name, "error").Inc()
				lg3 := log.WithJob(name)
				lg3.Warn().Err(err).Dur("retry_in", backoff).Msg("job failed")
				timer.Reset(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			metrics.JobRuns.WithLabelValues(name, "ok").Inc()
			backoff = baseBackoff
			timer.Reset(interval)
		}
	}()
}

// jobContext ties a job run to the scheduler's lifetime: closing stopCh
// cancels in-flight storage calls.
func (s *Scheduler) jobContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Scheduler) expireChallenges(ctx context.Context) error {
	n, err := s.store.DeleteExpiredChallenges(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		lg4 := log.WithJob("challenge_gc")
		lg4.Info().Int64("deleted", n).Msg("expired challenges removed")
	}
	return nil
}

func (s *Scheduler) pruneHeartbeats(ctx context.Context) error {
	n, err := s.store.PruneHeartbeats(ctx, time.Now().Add(-HeartbeatRetention))
	if err != nil {
		return err
	}
	if n > 0 {
		lg5 := log.WithJob("heartbeat_prune")
		lg5.Info().Int64("pruned", n).Msg("old heartbeats pruned")
	}
	return nil
}

func (s *Scheduler) trustSweep(ctx context.Context) error {
	if !s.gate.TryEnter("trust_sweep") {
		lg6 := log.WithJob("trust_sweep")
		lg6.Debug().Str("holder", s.gate.Holder()).Msg("gate busy, skipping")
		return nil
	}
	defer s.gate.Leave()

	done, err := s.engine.SweepAll(ctx)
	lg7 := log.WithJob("trust_sweep")
	lg7.Info().Int("recomputed", done).Msg("trust sweep complete")
	return err
}

func (s *Scheduler) detectFallen(ctx context.Context) error {
	if !s.gate.TryEnter("fallen_detect") {
		lg8 := log.WithJob("fallen_detect")
		lg8.Debug().Str("holder", s.gate.Holder()).Msg("gate busy, skipping")
		return nil
	}
	defer s.gate.Leave()

	fallen, err := trust.DetectFallen(ctx, s.store, s.broker, time.Now())
	lg9 := log.WithJob("fallen_detect")
	lg9.Info().Int("fallen", fallen).Msg("fallen sweep complete")
	return err
}

// watchEvents recomputes a single agent's trust score when its inputs
// change. Failures are logged and dropped; the hourly sweep catches up.
func (s *Scheduler) watchEvents() {
	defer s.wg.Done()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case ev := <-sub:
			switch ev.Type {
			case events.EventSnapshotStored, events.EventAttestationAdded, events.EventAgentResurrected:
			default:
				continue
			}
			ctx, cancel := s.jobContext()
			if _, err := s.engine.Recompute(ctx, ev.Agent); err != nil {
				lg10 := log.WithJob("trust_recompute")
				lg10.Warn().Err(err).Str("agent", ev.Agent).Msg("recompute failed")
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}
