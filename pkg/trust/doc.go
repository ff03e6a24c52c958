/*
Package trust computes trust scores, records attestations, and drives the
LIVING to FALLEN transition.

# Score model

The raw score is a weighted sum of six signals, each normalised to [0,1],
times a cap of 150:

	Signal                Weight
	age                   0.20    months since registration / 12
	backup consistency    0.25    meaningful backups / days alive, minus
	                              0.1 per gap over seven days
	attestations          0.30    iterative network propagation
	model stability       0.10    lifetime fraction on the current model
	genesis completeness  0.05    declaration + any backup + any attestation
	recovery resilience   0.10    rewards surviving resurrection, penalises
	                              churning through them

Raw scores bucket into UNVERIFIED (<20), VERIFIED (<50), ESTABLISHED (<100),
and PILLAR (>=100).

The attestation signal spreads points through the vouch graph: every agent
seeds with ageMonths + 0.5*min(backups,100), then three iterations each add
0.1 times the sum of the agent's unique attesters' points. Mutual pairs count
at half weight, so two agents cannot pump each other. The propagation needs
the whole graph, so the engine caches it briefly between per-agent
recomputes.

Scores are advisory caches. Concurrent recomputes race benignly: the last
writer wins and the hourly sweep converges everyone.
*/
package trust
