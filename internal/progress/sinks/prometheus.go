package sinks

import (
	"github.com/segin/efgrabber/internal/grabber"
	"github.com/segin/efgrabber/internal/metrics"
	"github.com/segin/efgrabber/internal/progress"
)

// Prometheus mirrors run events into the process-wide collectors.
type Prometheus struct {
	progress.NopObserver
	lastBytes int64
}

// NewPrometheus builds the metrics observer and ensures collectors exist.
func NewPrometheus() *Prometheus {
	metrics.Init()
	return &Prometheus{}
}

// StatsSnapshot implements progress.Observer. Byte deltas are derived from
// the monotonic session counter; hub serialization makes this safe.
func (p *Prometheus) StatsSnapshot(s grabber.StatsSnapshot) {
	metrics.SetActiveDownloads(s.ActiveDownloads)
	metrics.SetEnumeratorPosition(s.EnumeratorCurrent)
	if delta := s.BytesSession - p.lastBytes; delta > 0 {
		metrics.AddBytes(delta)
	}
	p.lastBytes = s.BytesSession
}

// FileStateChanged implements progress.Observer.
func (p *Prometheus) FileStateChanged(_ string, state grabber.State) {
	metrics.ObserveFileState(string(state))
}

// PageScraped implements progress.Observer.
func (p *Prometheus) PageScraped(_, count int) {
	metrics.ObservePageScraped(count)
}

// RunComplete implements progress.Observer.
func (p *Prometheus) RunComplete() {
	metrics.ObserveRunComplete()
	p.lastBytes = 0
}

// Error implements progress.Observer.
func (p *Prometheus) Error(string) {
	metrics.ObserveRunError()
}
