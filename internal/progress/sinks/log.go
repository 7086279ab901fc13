// Package sinks holds ready-made progress observers.
package sinks

import (
	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/grabber"
	"github.com/segin/efgrabber/internal/progress"
)

// Log writes run events to a zap logger. Stats snapshots log at debug to
// keep the 1 Hz stream out of production logs.
type Log struct {
	progress.NopObserver
	logger *zap.Logger
}

// NewLog builds a logging observer.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// StatsSnapshot implements progress.Observer.
func (l *Log) StatsSnapshot(s grabber.StatsSnapshot) {
	l.logger.Debug("stats snapshot",
		zap.Int64("pending", s.Pending),
		zap.Int64("completed", s.Completed),
		zap.Int64("failed", s.Failed),
		zap.Int64("not_found", s.NotFound),
		zap.Int64("active", s.ActiveDownloads),
		zap.Int64("bytes_session", s.BytesSession),
		zap.Float64("wall_bps", s.WallSpeedBPS),
		zap.Float64("wire_bps", s.WireSpeedBPS),
	)
}

// FileStateChanged implements progress.Observer.
func (l *Log) FileStateChanged(key string, state grabber.State) {
	l.logger.Debug("file state changed", zap.String("key", key), zap.String("state", string(state)))
}

// PageScraped implements progress.Observer.
func (l *Log) PageScraped(page, count int) {
	l.logger.Info("page scraped", zap.Int("page", page), zap.Int("pdf_count", count))
}

// RunComplete implements progress.Observer.
func (l *Log) RunComplete() {
	l.logger.Info("run complete")
}

// Error implements progress.Observer.
func (l *Log) Error(message string) {
	l.logger.Error("run error", zap.String("message", message))
}

// WorkerLifecycle implements progress.Observer.
func (l *Log) WorkerLifecycle(name string, started bool) {
	if started {
		l.logger.Info("worker started", zap.String("worker", name))
		return
	}
	l.logger.Info("worker finished", zap.String("worker", name))
}
