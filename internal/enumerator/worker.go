// Package enumerator discovers keys by walking the configured integer range
// densely, checkpointing its position so runs resume where they left off.
package enumerator

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/grabber"
	"github.com/segin/efgrabber/internal/progress"
)

// flushBatchSize is the number of staged items committed per transaction.
const flushBatchSize = 1000

// Config controls the enumerator worker.
type Config struct {
	DataSet     grabber.DataSetConfig
	StorageRoot string
}

// Worker walks [first_id, last_id], staging unknown keys as Pending.
type Worker struct {
	cfg    Config
	store  grabber.WorkStore
	gate   *grabber.Gate
	hub    *progress.Hub
	logger *zap.Logger

	position atomic.Uint64
}

// New constructs a Worker.
func New(
	store grabber.WorkStore,
	gate *grabber.Gate,
	hub *progress.Hub,
	logger *zap.Logger,
	cfg Config,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:    cfg,
		store:  store,
		gate:   gate,
		hub:    hub,
		logger: logger,
	}
}

// Position reports the current cursor for stats snapshots.
func (w *Worker) Position() uint64 {
	return w.position.Load()
}

// Run walks the range, flushing staged items every flushBatchSize and
// persisting the checkpoint after each flush. The final partial batch is
// flushed and the checkpoint advanced to the last id processed.
func (w *Worker) Run(ctx context.Context) error {
	w.hub.EmitWorkerLifecycle("enumerator", true)
	defer w.hub.EmitWorkerLifecycle("enumerator", false)

	ds := w.cfg.DataSet
	if ds.LastID == 0 {
		w.logger.Info("enumeration range not configured", zap.Int("data_set", ds.ID))
		return nil
	}

	start, err := w.store.Enumerator(ctx, ds.ID)
	if err != nil {
		w.hub.EmitError(fmt.Sprintf("read checkpoint: %v", err))
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if start < ds.FirstID {
		start = ds.FirstID
	}
	w.position.Store(start)
	w.logger.Info("enumerator starting",
		zap.Int("data_set", ds.ID),
		zap.String("from", ds.FormatKey(start)),
		zap.String("to", ds.FormatKey(ds.LastID)))

	batch := make([]grabber.WorkItem, 0, flushBatchSize)
	var last uint64
	for id := start; id <= ds.LastID; id++ {
		if w.gate.Wait() {
			break
		}

		key := ds.FormatKey(id)
		exists, err := w.store.Exists(ctx, ds.ID, key)
		if err != nil {
			w.hub.EmitError(fmt.Sprintf("existence check: %v", err))
			return fmt.Errorf("existence check: %w", err)
		}
		if !exists {
			batch = append(batch, grabber.WorkItem{
				DataSet:   ds.ID,
				Key:       key,
				SourceURL: ds.FileURL(key),
				LocalPath: grabber.LocalPath(w.cfg.StorageRoot, ds, key),
				State:     grabber.StatePending,
			})
		}

		w.position.Store(id)
		last = id

		if len(batch) >= flushBatchSize {
			if err := w.flush(ctx, batch, id); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}

	if len(batch) > 0 || last > 0 {
		if err := w.flush(ctx, batch, last); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) flush(ctx context.Context, batch []grabber.WorkItem, id uint64) error {
	if len(batch) > 0 {
		if _, err := w.store.AddItemsBatch(ctx, batch); err != nil {
			w.hub.EmitError(fmt.Sprintf("stage batch: %v", err))
			return fmt.Errorf("stage batch: %w", err)
		}
	}
	if err := w.store.SetEnumerator(ctx, w.cfg.DataSet.ID, id); err != nil {
		w.hub.EmitError(fmt.Sprintf("persist checkpoint: %v", err))
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}
