// Package progress distributes run events to registered observers.
package progress

import (
	"sync"

	"github.com/google/uuid"

	"github.com/segin/efgrabber/internal/grabber"
)

// Observer receives run events as values. Invocations are serialized by the
// Hub, so implementations see a coherent, non-overlapping sequence and need
// no locking of their own; they should return quickly.
type Observer interface {
	StatsSnapshot(s grabber.StatsSnapshot)
	FileStateChanged(key string, state grabber.State)
	PageScraped(page, count int)
	RunComplete()
	Error(message string)
	WorkerLifecycle(name string, started bool)
}

// Hub fans events out to observers under a single mutex. A nil Hub is a
// valid no-op, so workers emit unconditionally.
type Hub struct {
	mu        sync.Mutex
	observers []Observer
	runID     uuid.UUID
}

// NewHub creates a Hub with a fresh run identifier.
func NewHub() *Hub {
	return &Hub{runID: uuid.New()}
}

// RunID identifies the current run for external consumers.
func (h *Hub) RunID() uuid.UUID {
	if h == nil {
		return uuid.Nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

// NewRun rotates the run identifier at the start of each run.
func (h *Hub) NewRun() uuid.UUID {
	if h == nil {
		return uuid.Nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runID = uuid.New()
	return h.runID
}

// Register adds an observer for subsequent events.
func (h *Hub) Register(o Observer) {
	if h == nil || o == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, o)
}

// EmitStats delivers a stats snapshot.
func (h *Hub) EmitStats(s grabber.StatsSnapshot) {
	h.each(func(o Observer) { o.StatsSnapshot(s) })
}

// EmitFileState delivers a per-key state transition.
func (h *Hub) EmitFileState(key string, state grabber.State) {
	h.each(func(o Observer) { o.FileStateChanged(key, state) })
}

// EmitPageScraped delivers a page completion.
func (h *Hub) EmitPageScraped(page, count int) {
	h.each(func(o Observer) { o.PageScraped(page, count) })
}

// EmitRunComplete signals natural completion of a run.
func (h *Hub) EmitRunComplete() {
	h.each(func(o Observer) { o.RunComplete() })
}

// EmitError delivers a run-level error message.
func (h *Hub) EmitError(message string) {
	h.each(func(o Observer) { o.Error(message) })
}

// EmitWorkerLifecycle reports a worker starting or finishing.
func (h *Hub) EmitWorkerLifecycle(name string, started bool) {
	h.each(func(o Observer) { o.WorkerLifecycle(name, started) })
}

func (h *Hub) each(fn func(Observer)) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range h.observers {
		fn(o)
	}
}

// NopObserver implements Observer with no-ops; embed it to implement only
// the events a sink cares about.
type NopObserver struct{}

// StatsSnapshot implements Observer.
func (NopObserver) StatsSnapshot(grabber.StatsSnapshot) {}

// FileStateChanged implements Observer.
func (NopObserver) FileStateChanged(string, grabber.State) {}

// PageScraped implements Observer.
func (NopObserver) PageScraped(int, int) {}

// RunComplete implements Observer.
func (NopObserver) RunComplete() {}

// Error implements Observer.
func (NopObserver) Error(string) {}

// WorkerLifecycle implements Observer.
func (NopObserver) WorkerLifecycle(string, bool) {}
