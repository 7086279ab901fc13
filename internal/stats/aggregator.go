// Package stats derives periodic snapshots from the store and the
// dispatcher's session counters.
package stats

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/grabber"
	"github.com/segin/efgrabber/internal/progress"
)

const defaultInterval = time.Second

// Config controls the aggregator.
type Config struct {
	DataSet  grabber.DataSetConfig
	Interval time.Duration
}

// Aggregator emits a StatsSnapshot every interval and on explicit poke.
type Aggregator struct {
	cfg      Config
	store    grabber.WorkStore
	counters grabber.SessionCounters
	// enumeratorPos reports the enumerator cursor; nil when no enumerator
	// runs in this mode.
	enumeratorPos func() uint64
	hub           *progress.Hub
	gate          *grabber.Gate
	logger        *zap.Logger

	start time.Time
	poke  chan struct{}
}

// New constructs an Aggregator.
func New(
	store grabber.WorkStore,
	counters grabber.SessionCounters,
	enumeratorPos func() uint64,
	gate *grabber.Gate,
	hub *progress.Hub,
	logger *zap.Logger,
	cfg Config,
) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Aggregator{
		cfg:           cfg,
		store:         store,
		counters:      counters,
		enumeratorPos: enumeratorPos,
		gate:          gate,
		hub:           hub,
		logger:        logger,
		poke:          make(chan struct{}, 1),
	}
}

// Poke requests an immediate snapshot without waiting for the next tick.
func (a *Aggregator) Poke() {
	select {
	case a.poke <- struct{}{}:
	default:
	}
}

// Run emits snapshots until the context finishes or stop is requested.
func (a *Aggregator) Run(ctx context.Context) {
	a.start = time.Now()
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.poke:
		}
		if a.gate.Stopped() {
			return
		}
		snapshot, err := a.Snapshot(ctx)
		if err != nil {
			a.logger.Warn("stats snapshot failed", zap.Error(err))
			continue
		}
		a.hub.EmitStats(snapshot)
	}
}

// Snapshot combines a consistent store read with the session counters.
func (a *Aggregator) Snapshot(ctx context.Context) (grabber.StatsSnapshot, error) {
	st, err := a.store.Stats(ctx, a.cfg.DataSet.ID)
	if err != nil {
		return grabber.StatsSnapshot{}, fmt.Errorf("store stats: %w", err)
	}

	snapshot := grabber.StatsSnapshot{StoreStats: st}
	if a.enumeratorPos != nil {
		if pos := a.enumeratorPos(); pos > snapshot.EnumeratorCurrent {
			snapshot.EnumeratorCurrent = pos
		}
	}
	if a.counters != nil {
		snapshot.BytesSession = a.counters.BytesSession()
		snapshot.ActiveDownloads = a.counters.ActiveDownloads()
		snapshot.ActiveTransferWallMS = a.counters.ActiveTransferWallMS()
		// The live in-flight count beats the store's view, which lags the
		// admission loop by one transition.
		snapshot.InProgress = snapshot.ActiveDownloads
	}

	elapsed := time.Since(a.start).Seconds()
	snapshot.ElapsedSeconds = elapsed
	if elapsed > 0 {
		snapshot.WallSpeedBPS = float64(snapshot.BytesSession) / elapsed
	}
	if snapshot.ActiveTransferWallMS > 0 {
		snapshot.WireSpeedBPS = float64(snapshot.BytesSession) * 1000 /
			float64(snapshot.ActiveTransferWallMS)
	}
	return snapshot, nil
}
