package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/grabber"
	"github.com/segin/efgrabber/internal/progress"
	"github.com/segin/efgrabber/internal/publisher"
)

const publishTimeout = 10 * time.Second

// Publish forwards file-state changes and run completion to a Publisher.
// Publish failures are logged, never propagated into the run.
type Publish struct {
	progress.NopObserver
	pub    publisher.Publisher
	runID  func() string
	logger *zap.Logger
}

// NewPublish builds the publishing observer. runID is read per event so
// payloads carry the current run, not the one active at construction.
func NewPublish(pub publisher.Publisher, runID func() string, logger *zap.Logger) *Publish {
	if logger == nil {
		logger = zap.NewNop()
	}
	if runID == nil {
		runID = func() string { return "" }
	}
	return &Publish{pub: pub, runID: runID, logger: logger}
}

// FileStateChanged implements progress.Observer.
func (p *Publish) FileStateChanged(key string, state grabber.State) {
	if !state.Terminal() && state != grabber.StateFailed {
		return
	}
	p.send(map[string]any{
		"event":  "file_state_changed",
		"run_id": p.runID(),
		"key":    key,
		"state":  string(state),
	})
}

// RunComplete implements progress.Observer.
func (p *Publish) RunComplete() {
	p.send(map[string]any{
		"event":  "run_complete",
		"run_id": p.runID(),
	})
}

func (p *Publish) send(payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := p.pub.Publish(ctx, payload); err != nil {
		p.logger.Warn("publish event failed", zap.Error(err))
	}
}
