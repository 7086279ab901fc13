package grabber

import "sync"

// Gate is the shared pause/stop view handed to every worker. Pause blocks
// cooperatively at worker suspension points; Stop wakes all waiters and is
// irreversible for the run.
type Gate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool
}

// NewGate returns a Gate in the running state.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Pause asks workers to hold at their next suspension point.
func (g *Gate) Pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

// Resume releases paused workers.
func (g *Gate) Resume() {
	g.mu.Lock()
	g.paused = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Stop requests shutdown and wakes any paused worker.
func (g *Gate) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.paused = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Paused reports the pause flag.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Stopped reports the stop flag.
func (g *Gate) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// Wait blocks while paused and reports whether stop was requested. Workers
// call it at the top of each loop iteration and between sub-steps.
func (g *Gate) Wait() (stopped bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.paused && !g.stopped {
		g.cond.Wait()
	}
	return g.stopped
}
