package scheduler

import "sync"

// Gate serialises heavy background scans. At most one job holds the gate;
// a second job that finds it busy returns immediately instead of queueing.
// The holder polls StopRequested between units of work and exits early when
// a stop has been asked for.
type Gate struct {
	mu      sync.Mutex
	holder  string
	stopReq bool
}

// TryEnter attempts to take the gate for the named job. It never blocks.
func (g *Gate) TryEnter(job string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != "" {
		return false
	}
	g.holder = job
	g.stopReq = false
	return true
}

// Leave releases the gate. Only the holder calls it.
func (g *Gate) Leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holder = ""
	g.stopReq = false
}

// IsBusy reports whether a job currently holds the gate.
func (g *Gate) IsBusy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder != ""
}

// Holder returns the name of the current holder, or "".
func (g *Gate) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

// RequestStop asks the current holder to wind down at its next checkpoint.
// A no-op when the gate is idle.
func (g *Gate) RequestStop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != "" {
		g.stopReq = true
	}
}

// StopRequested reports whether the holder should stop.
func (g *Gate) StopRequested() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopReq
}
