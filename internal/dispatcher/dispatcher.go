// Package dispatcher drains the pending set into a bounded download pool and
// applies the per-item disposition policy.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/grabber"
	"github.com/segin/efgrabber/internal/progress"
)

const (
	// admissionSleep paces the spin while at the concurrency cap or while
	// waiting out the producer-commit race.
	admissionSleep = 100 * time.Millisecond
	// producerSleep paces the wait for a live producer to commit more keys.
	producerSleep = 200 * time.Millisecond
	// retryScanLimit bounds how many failed rows are examined per tick.
	retryScanLimit = 100
)

// Config controls dispatcher behavior for one run.
type Config struct {
	DataSet grabber.DataSetConfig
	// MaxConcurrent is the initial admission cap; it is live-adjustable.
	MaxConcurrent int
	// PoolSize is the hard ceiling on concurrent download tasks. The pool is
	// sized generously once; effective concurrency is the admission cap.
	PoolSize          int
	MaxRetries        int
	DownloadTimeout   time.Duration
	OverwriteExisting bool
}

// Dispatcher is the sole consumer of the store's pending set. One Run per
// instance.
type Dispatcher struct {
	cfg     Config
	store   grabber.WorkStore
	fetcher grabber.Fetcher
	gate    *grabber.Gate
	hub     *progress.Hub
	clock   grabber.Clock
	logger  *zap.Logger

	maxConcurrent atomic.Int64
	active        atomic.Int64
	bytesSession  atomic.Int64
	wireTimeMS    atomic.Int64

	// Wire-speed window: span from the first transfer start of the session
	// to the most recent transfer end. Idle gaps between bursts fall inside
	// the span and are counted.
	transferMu   sync.Mutex
	firstActive  time.Time
	anyActive    atomic.Bool
	activeWallMS atomic.Int64

	externalProducer atomic.Bool
	producersAlive   func() bool

	sem   chan struct{}
	tasks sync.WaitGroup
}

// New constructs a Dispatcher.
func New(
	store grabber.WorkStore,
	fetcher grabber.Fetcher,
	gate *grabber.Gate,
	hub *progress.Hub,
	clock grabber.Clock,
	logger *zap.Logger,
	cfg Config,
) *Dispatcher {
	if clock == nil {
		clock = grabber.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PoolSize < cfg.MaxConcurrent {
		cfg.PoolSize = cfg.MaxConcurrent
	}
	d := &Dispatcher{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		gate:    gate,
		hub:     hub,
		clock:   clock,
		logger:  logger,
		sem:     make(chan struct{}, cfg.PoolSize),
	}
	d.maxConcurrent.Store(int64(cfg.MaxConcurrent))
	return d
}

// SetMaxConcurrent adjusts the admission cap; the next tick observes it.
func (d *Dispatcher) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	d.maxConcurrent.Store(int64(n))
}

// MaxConcurrent returns the current admission cap.
func (d *Dispatcher) MaxConcurrent() int {
	return int(d.maxConcurrent.Load())
}

// SetExternalProducerActive flags a key source outside this process; while
// set, an empty pending set means "wait", not "done".
func (d *Dispatcher) SetExternalProducerActive(active bool) {
	d.externalProducer.Store(active)
}

// SetProducersAlive installs the liveness check for in-process producers.
// Must be called before Run.
func (d *Dispatcher) SetProducersAlive(fn func() bool) {
	d.producersAlive = fn
}

// BytesSession implements grabber.SessionCounters.
func (d *Dispatcher) BytesSession() int64 { return d.bytesSession.Load() }

// ActiveDownloads implements grabber.SessionCounters.
func (d *Dispatcher) ActiveDownloads() int64 { return d.active.Load() }

// ActiveTransferWallMS implements grabber.SessionCounters.
func (d *Dispatcher) ActiveTransferWallMS() int64 { return d.activeWallMS.Load() }

// WireTimeMS returns the summed per-transfer wall time.
func (d *Dispatcher) WireTimeMS() int64 { return d.wireTimeMS.Load() }

// Run drains pending and retry-eligible work until the store is empty and
// every producer has finished, or until stop. It blocks until all submitted
// download tasks have drained. Returns nil on natural completion or stop;
// a store failure aborts the run after surfacing through the error observer.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.hub.EmitWorkerLifecycle("dispatcher", true)
	defer d.hub.EmitWorkerLifecycle("dispatcher", false)
	defer d.tasks.Wait()

	ds := d.cfg.DataSet.ID
	for {
		if d.gate.Wait() {
			return nil
		}

		max := d.maxConcurrent.Load()
		for d.active.Load() >= max && !d.gate.Stopped() {
			time.Sleep(admissionSleep)
			max = d.maxConcurrent.Load()
		}
		if d.gate.Stopped() {
			return nil
		}
		// A pause issued during the admission spin must hold before any new
		// item moves to InProgress.
		if d.gate.Paused() {
			continue
		}

		want := int(max - d.active.Load())
		if want < 1 {
			continue
		}

		items, err := d.store.TakePending(ctx, ds, want)
		if err != nil {
			return d.storeFailure("take pending", err)
		}
		if len(items) == 0 {
			items, err = d.eligibleFailed(ctx, ds, want)
			if err != nil {
				return d.storeFailure("take retryable failed", err)
			}
		}

		if len(items) == 0 {
			if d.active.Load() > 0 {
				time.Sleep(admissionSleep)
				continue
			}
			if d.externalProducer.Load() {
				time.Sleep(producerSleep)
				continue
			}
			if d.producersAlive != nil && d.producersAlive() {
				time.Sleep(producerSleep)
				continue
			}
			// A producer may have committed between our take and its exit;
			// trust the store over the local view before declaring done.
			st, err := d.store.Stats(ctx, ds)
			if err != nil {
				return d.storeFailure("re-query stats", err)
			}
			if st.Pending > 0 || st.InProgress > 0 {
				time.Sleep(admissionSleep)
				continue
			}
			return nil
		}

		for _, item := range items {
			if d.gate.Stopped() {
				return nil
			}
			if err := d.store.SetState(ctx, item.StorageID, grabber.StateInProgress, "", 0); err != nil {
				return d.storeFailure("mark in progress", err)
			}
			d.submit(ctx, item)
		}
	}
}

// eligibleFailed returns failed items whose sigmoid backoff window elapsed.
func (d *Dispatcher) eligibleFailed(ctx context.Context, ds, want int) ([]grabber.WorkItem, error) {
	failed, err := d.store.TakeRetryableFailed(ctx, ds, d.cfg.MaxRetries, retryScanLimit)
	if err != nil {
		return nil, err
	}
	now := d.clock.Now()
	var out []grabber.WorkItem
	for _, item := range failed {
		if grabber.RetryEligible(item, now) {
			out = append(out, item)
			if len(out) >= want {
				break
			}
		}
	}
	return out, nil
}

func (d *Dispatcher) submit(ctx context.Context, item grabber.WorkItem) {
	d.active.Add(1)
	d.tasks.Add(1)
	d.sem <- struct{}{}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("download task panic",
					zap.String("key", item.Key), zap.Any("panic", r))
				// Best-effort transition; the pool must survive.
				_ = d.store.SetState(context.Background(), item.StorageID,
					grabber.StateFailed, fmt.Sprintf("Exception: %v", r), 0)
			}
			d.active.Add(-1)
			<-d.sem
			d.tasks.Done()
		}()
		d.download(ctx, item)
	}()
}

func (d *Dispatcher) download(ctx context.Context, item grabber.WorkItem) {
	// Skip without touching the network when the artifact is already on disk.
	if !d.cfg.OverwriteExisting {
		if fi, err := os.Stat(item.LocalPath); err == nil && fi.Size() > 0 {
			d.finish(ctx, item, grabber.StateSkipped, "", 0)
			return
		}
	}

	d.beginTransfer()
	res, err := d.fetcher.GetToPath(ctx, item.SourceURL, item.LocalPath, d.cfg.DownloadTimeout)
	d.endTransfer()

	switch {
	case errors.Is(err, grabber.ErrCancelled):
		// Not a failure: the item stays InProgress and is reset on next start.
		return

	case err == nil && res.HTTPCode == 404:
		d.removeArtifact(item)
		d.finish(ctx, item, grabber.StateNotFound, "404 Not Found", 0)

	case err == nil && (res.HTTPCode == 403 || res.HTTPCode == 429):
		d.removeArtifact(item)
		d.retry(ctx, item, fmt.Sprintf("Blocked: HTTP %d", res.HTTPCode))

	case err == nil && res.HTTPCode >= 200 && res.HTTPCode < 300 && res.ActualLength > 0:
		d.bytesSession.Add(res.ActualLength)
		d.wireTimeMS.Add(res.WireTime.Milliseconds())
		d.finish(ctx, item, grabber.StateCompleted, "", res.ActualLength)

	case err == nil && res.HTTPCode >= 200 && res.HTTPCode < 300:
		d.removeArtifact(item)
		d.finish(ctx, item, grabber.StateNotFound, "Empty response", 0)

	case err == nil:
		d.removeArtifact(item)
		d.retry(ctx, item, fmt.Sprintf("HTTP error: %d", res.HTTPCode))

	default:
		d.removeArtifact(item)
		d.retry(ctx, item, err.Error())
	}
}

func (d *Dispatcher) retry(ctx context.Context, item grabber.WorkItem, reason string) {
	if err := d.store.IncrementRetry(ctx, item.StorageID); err != nil {
		d.logger.Error("increment retry failed",
			zap.String("key", item.Key), zap.Error(err))
		return
	}
	d.finish(ctx, item, grabber.StateFailed, reason, 0)
}

// finish records the terminal transition; on store failure the item is left
// InProgress for the next crash-recovery reset.
func (d *Dispatcher) finish(ctx context.Context, item grabber.WorkItem, state grabber.State, reason string, size int64) {
	if err := d.store.SetState(ctx, item.StorageID, state, reason, size); err != nil {
		d.logger.Error("state update failed",
			zap.String("key", item.Key),
			zap.String("state", string(state)),
			zap.Error(err))
		return
	}
	d.hub.EmitFileState(item.Key, state)
}

func (d *Dispatcher) removeArtifact(item grabber.WorkItem) {
	if item.LocalPath == "" {
		return
	}
	if err := os.Remove(item.LocalPath); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("remove partial file failed",
			zap.String("path", item.LocalPath), zap.Error(err))
	}
}

func (d *Dispatcher) beginTransfer() {
	d.transferMu.Lock()
	if !d.anyActive.Load() {
		d.firstActive = time.Now()
		d.anyActive.Store(true)
	}
	d.transferMu.Unlock()
}

func (d *Dispatcher) endTransfer() {
	d.transferMu.Lock()
	if ms := time.Since(d.firstActive).Milliseconds(); ms > 0 {
		d.activeWallMS.Store(ms)
	}
	d.transferMu.Unlock()
}

func (d *Dispatcher) storeFailure(op string, err error) error {
	d.logger.Error("store failure stops run", zap.String("op", op), zap.Error(err))
	d.hub.EmitError(fmt.Sprintf("%s: %v", op, err))
	return fmt.Errorf("%s: %w", op, err)
}
