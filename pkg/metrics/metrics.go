package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and histograms for the identity service. All are registered on
// the default registry and exposed on /metrics.
var (
	ChallengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sanctuary_auth_challenges_issued_total",
		Help: "Number of auth challenges issued",
	})

	ChallengesVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_auth_challenges_verified_total",
		Help: "Number of auth challenge verifications by outcome",
	}, []string{"outcome"})

	SnapshotsUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sanctuary_snapshots_uploaded_total",
		Help: "Number of snapshots accepted",
	})

	SnapshotBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sanctuary_snapshot_bytes_total",
		Help: "Total encrypted snapshot bytes accepted",
	})

	AttestationsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sanctuary_attestations_recorded_total",
		Help: "Number of attestations recorded",
	})

	Resurrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sanctuary_resurrections_total",
		Help: "Number of FALLEN to RETURNED transitions",
	})

	FallenTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sanctuary_fallen_transitions_total",
		Help: "Number of LIVING to FALLEN transitions",
	})

	TrustRecomputes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sanctuary_trust_recomputes_total",
		Help: "Number of trust score recomputations",
	})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_job_runs_total",
		Help: "Background job runs by job and outcome",
	}, []string{"job", "outcome"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sanctuary_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
