// Package controller owns run lifecycle: it wires the store, fetchers, and
// workers together, recovers interrupted work on start, and tears everything
// down in order on stop.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/dispatcher"
	"github.com/segin/efgrabber/internal/enumerator"
	"github.com/segin/efgrabber/internal/extract"
	"github.com/segin/efgrabber/internal/grabber"
	"github.com/segin/efgrabber/internal/progress"
	"github.com/segin/efgrabber/internal/scraper"
	"github.com/segin/efgrabber/internal/stats"
)

// Mode selects which producers feed the run.
type Mode string

// Operation modes.
const (
	ModeScraperOnly   Mode = "scraper"
	ModeEnumerateOnly Mode = "enumerate"
	ModeHybrid        Mode = "hybrid"
	ModeDownloadOnly  Mode = "download"
)

// ParseMode converts a string to a Mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeScraperOnly, ModeEnumerateOnly, ModeHybrid, ModeDownloadOnly:
		return Mode(raw), nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", grabber.ErrConfig, raw)
}

// canceller is the optional cancel-flag surface of the injected Fetcher; the
// real HTTP client implements it, deterministic fakes need not.
type canceller interface {
	Cancel()
	Reset()
}

// Deps are the injected collaborators.
type Deps struct {
	Store grabber.WorkStore
	// Fetcher performs artifact downloads and owns the cancel flag.
	Fetcher grabber.Fetcher
	// PageFetcher fetches index pages; nil falls back to Fetcher.
	PageFetcher grabber.PageFetcher
	Hub         *progress.Hub
	Clock       grabber.Clock
	Logger      *zap.Logger
}

// Options carry run tunables.
type Options struct {
	StorageRoot            string
	OverwriteExisting      bool
	MaxConcurrentDownloads int
	MaxPool                int
	MaxConcurrentScrapes   int
	MaxRetries             int
	DownloadTimeout        time.Duration
	PageTimeout            time.Duration
	ProbeUpperBound        int
	// SkipProbe is set when an external renderer pre-populates pages.
	SkipProbe bool
	// StatsInterval overrides the 1 Hz snapshot cadence, for tests.
	StatsInterval time.Duration
}

// QueueItem is one externally supplied unit of work.
type QueueItem struct {
	Key       string
	URL       string
	LocalPath string
}

// Controller exposes the embedding surface for CLI/API shells.
type Controller struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	running  bool
	gate     *grabber.Gate
	ds       grabber.DataSetConfig
	disp     *dispatcher.Dispatcher
	agg      *stats.Aggregator
	runStop  context.CancelFunc
	maxConc  int
	external atomic.Bool

	producers  sync.WaitGroup
	dispDone   sync.WaitGroup
	statsDone  sync.WaitGroup
	aliveCount atomic.Int64
}

// New constructs a Controller.
func New(deps Deps, opts Options) (*Controller, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: work store is required", grabber.ErrConfig)
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("%w: fetcher is required", grabber.ErrConfig)
	}
	if deps.PageFetcher == nil {
		deps.PageFetcher = deps.Fetcher
	}
	if deps.Clock == nil {
		deps.Clock = grabber.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.MaxConcurrentDownloads <= 0 {
		opts.MaxConcurrentDownloads = 8
	}
	if opts.MaxPool <= 0 {
		opts.MaxPool = 500
	}
	if opts.MaxConcurrentScrapes <= 0 {
		opts.MaxConcurrentScrapes = 30
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 300 * time.Second
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 60 * time.Second
	}
	return &Controller{deps: deps, opts: opts, maxConc: opts.MaxConcurrentDownloads}, nil
}

// Start launches a run. Invalid configuration fails synchronously; a second
// Start while running is rejected.
func (c *Controller) Start(ds grabber.DataSetConfig, mode Mode) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	if (mode == ModeEnumerateOnly || mode == ModeHybrid) && ds.LastID == 0 {
		return fmt.Errorf("%w: data set %d has no enumeration range", grabber.ErrConfig, ds.ID)
	}

	var ex *extract.Extractor
	if mode == ModeScraperOnly || mode == ModeHybrid {
		var err error
		if ex, err = extract.New(ds); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("already running")
	}

	ctx := context.Background()
	// Crash recovery: whatever the previous process left InProgress goes
	// back to Pending before any worker sees the store.
	if n, err := c.deps.Store.ResetInProgress(ctx, ds.ID); err != nil {
		return fmt.Errorf("reset interrupted items: %w", err)
	} else if n > 0 {
		c.deps.Logger.Info("reset interrupted items", zap.Int64("count", n))
	}

	if f, ok := c.deps.Fetcher.(canceller); ok {
		f.Reset()
	}

	runCtx, cancel := context.WithCancel(ctx)
	gate := grabber.NewGate()
	c.deps.Hub.NewRun()

	disp := dispatcher.New(c.deps.Store, c.deps.Fetcher, gate, c.deps.Hub, c.deps.Clock, c.deps.Logger,
		dispatcher.Config{
			DataSet:           ds,
			MaxConcurrent:     c.maxConc,
			PoolSize:          c.opts.MaxPool,
			MaxRetries:        c.opts.MaxRetries,
			DownloadTimeout:   c.opts.DownloadTimeout,
			OverwriteExisting: c.opts.OverwriteExisting,
		})
	disp.SetProducersAlive(func() bool { return c.aliveCount.Load() > 0 })
	disp.SetExternalProducerActive(c.external.Load())

	var enum *enumerator.Worker
	if mode == ModeEnumerateOnly || mode == ModeHybrid {
		enum = enumerator.New(c.deps.Store, gate, c.deps.Hub, c.deps.Logger,
			enumerator.Config{DataSet: ds, StorageRoot: c.opts.StorageRoot})
	}

	var scrape *scraper.Worker
	if mode == ModeScraperOnly || mode == ModeHybrid {
		scrape = scraper.New(c.deps.Store, c.deps.PageFetcher, ex, gate, c.deps.Hub, c.deps.Logger,
			scraper.Config{
				DataSet:         ds,
				StorageRoot:     c.opts.StorageRoot,
				MaxConcurrent:   c.opts.MaxConcurrentScrapes,
				ProbeUpperBound: c.opts.ProbeUpperBound,
				PageTimeout:     c.opts.PageTimeout,
				SkipProbe:       c.opts.SkipProbe,
			})
	}

	var enumPos func() uint64
	if enum != nil {
		enumPos = enum.Position
	}
	agg := stats.New(c.deps.Store, disp, enumPos, gate, c.deps.Hub, c.deps.Logger,
		stats.Config{DataSet: ds, Interval: c.opts.StatsInterval})

	c.running = true
	c.gate = gate
	c.ds = ds
	c.disp = disp
	c.agg = agg
	c.runStop = cancel

	c.launchProducer(runCtx, "scraper", scrape != nil, func() error { return scrape.Run(runCtx) })
	c.launchProducer(runCtx, "enumerator", enum != nil, func() error { return enum.Run(runCtx) })

	c.statsDone.Add(1)
	go func() {
		defer c.statsDone.Done()
		agg.Run(runCtx)
	}()

	c.dispDone.Add(1)
	go func() {
		defer c.dispDone.Done()
		err := disp.Run(runCtx)
		c.finishRun(err == nil && !gate.Stopped())
	}()

	c.deps.Logger.Info("run started",
		zap.Int("data_set", ds.ID), zap.String("mode", string(mode)))
	return nil
}

func (c *Controller) launchProducer(_ context.Context, name string, enabled bool, run func() error) {
	if !enabled {
		return
	}
	c.aliveCount.Add(1)
	c.producers.Add(1)
	go func() {
		defer c.producers.Done()
		defer c.aliveCount.Add(-1)
		if err := run(); err != nil {
			c.deps.Logger.Error("producer failed", zap.String("worker", name), zap.Error(err))
		}
	}()
}

// finishRun handles the dispatcher returning: natural completion emits
// run_complete; an aborted run (store failure) brings the rest down.
func (c *Controller) finishRun(natural bool) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	gate := c.gate
	cancel := c.runStop
	c.mu.Unlock()

	if natural {
		cancel()
		c.deps.Hub.EmitRunComplete()
		c.deps.Logger.Info("run complete")
		return
	}
	gate.Stop()
	cancel()
}

// Pause holds all workers at their next suspension point.
func (c *Controller) Pause() {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		gate.Pause()
		c.deps.Logger.Info("run paused")
	}
}

// Resume releases paused workers.
func (c *Controller) Resume() {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		gate.Resume()
		c.deps.Logger.Info("run resumed")
	}
}

// Stop requests shutdown, joins producers, then the dispatcher, then the
// stats worker. Idempotent; in-flight fetches abort at their next progress
// tick and their items are recovered on the next Start.
func (c *Controller) Stop() {
	c.mu.Lock()
	gate := c.gate
	cancel := c.runStop
	wasRunning := c.running
	c.running = false
	c.mu.Unlock()

	if gate == nil {
		return
	}
	gate.Stop()
	if f, ok := c.deps.Fetcher.(canceller); ok {
		f.Cancel()
	}

	c.producers.Wait()
	c.dispDone.Wait()
	if cancel != nil {
		cancel()
	}
	c.statsDone.Wait()

	if wasRunning {
		c.deps.Logger.Info("run stopped")
	}
}

// Running reports whether a run is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// GetStats returns a point-in-time snapshot and pokes the aggregator so
// observers refresh too.
func (c *Controller) GetStats(ctx context.Context) (grabber.StatsSnapshot, error) {
	c.mu.Lock()
	agg := c.agg
	ds := c.ds
	c.mu.Unlock()

	if agg != nil {
		agg.Poke()
		return agg.Snapshot(ctx)
	}
	st, err := c.deps.Store.Stats(ctx, ds.ID)
	if err != nil {
		return grabber.StatsSnapshot{}, err
	}
	return grabber.StatsSnapshot{StoreStats: st}, nil
}

// SetMaxConcurrentDownloads adjusts the admission cap, effective on the
// current run and remembered for the next.
func (c *Controller) SetMaxConcurrentDownloads(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	c.maxConc = n
	disp := c.disp
	c.mu.Unlock()
	if disp != nil {
		disp.SetMaxConcurrent(n)
	}
}

// MaxConcurrentDownloads returns the current cap.
func (c *Controller) MaxConcurrentDownloads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxConc
}

// SetExternalProducerActive flags an out-of-process key source (e.g. a
// browser-driven scraper) so the dispatcher waits instead of finishing.
func (c *Controller) SetExternalProducerActive(active bool) {
	c.external.Store(active)
	c.mu.Lock()
	disp := c.disp
	c.mu.Unlock()
	if disp != nil {
		disp.SetExternalProducerActive(active)
	}
}

// AddItemsToQueue stages externally discovered keys as Pending. Items with
// no local path get the canonical on-disk location.
func (c *Controller) AddItemsToQueue(ctx context.Context, ds grabber.DataSetConfig, items []QueueItem) (int64, error) {
	records := make([]grabber.WorkItem, 0, len(items))
	for _, item := range items {
		if !grabber.ValidKey(ds.KeyPrefix, item.Key) {
			return 0, fmt.Errorf("%w: malformed key %q", grabber.ErrConfig, item.Key)
		}
		url := item.URL
		if url == "" {
			url = ds.FileURL(item.Key)
		}
		path := item.LocalPath
		if path == "" {
			path = grabber.LocalPath(c.opts.StorageRoot, ds, item.Key)
		}
		records = append(records, grabber.WorkItem{
			DataSet:   ds.ID,
			Key:       item.Key,
			SourceURL: url,
			LocalPath: path,
			State:     grabber.StatePending,
		})
	}
	// Before any run starts, stats queries scope to the data set being fed.
	c.mu.Lock()
	if c.ds.ID == 0 {
		c.ds = ds
	}
	c.mu.Unlock()
	return c.deps.Store.AddItemsBatch(ctx, records)
}

// MaterializePages pre-populates the page universe for an external renderer.
func (c *Controller) MaterializePages(ctx context.Context, dataSet, lo, hi int) error {
	return c.deps.Store.AddPagesBatch(ctx, dataSet, lo, hi)
}

// MarkPageScraped records an externally scraped page.
func (c *Controller) MarkPageScraped(ctx context.Context, dataSet, page, count int) error {
	if err := c.deps.Store.MarkScraped(ctx, dataSet, page, count); err != nil {
		return err
	}
	c.deps.Hub.EmitPageScraped(page, count)
	return nil
}

// ResetInterrupted requeues InProgress items left by a crashed run.
func (c *Controller) ResetInterrupted(ctx context.Context, dataSet int) (int64, error) {
	return c.deps.Store.ResetInProgress(ctx, dataSet)
}

// ResetFailed requeues failed items for the post-run retry action.
func (c *Controller) ResetFailed(ctx context.Context, dataSet int) (int64, error) {
	return c.deps.Store.ResetFailed(ctx, dataSet)
}

// ResetAll requeues every item ("redownload all").
func (c *Controller) ResetAll(ctx context.Context, dataSet int) (int64, error) {
	return c.deps.Store.ResetAll(ctx, dataSet)
}

// ClearDataSet removes every trace of a data set from the store.
func (c *Controller) ClearDataSet(ctx context.Context, dataSet int) (int64, error) {
	return c.deps.Store.ClearDataSet(ctx, dataSet)
}

// HasPendingWork reports whether a data set has unfinished items.
func (c *Controller) HasPendingWork(ctx context.Context, dataSet int) (bool, error) {
	st, err := c.deps.Store.Stats(ctx, dataSet)
	if err != nil {
		return false, err
	}
	return st.Pending > 0 || st.InProgress > 0 || st.Failed > 0, nil
}

// CheckURL probes a single artifact URL, for validation surfaces.
func (c *Controller) CheckURL(ctx context.Context, url string) (bool, error) {
	return c.deps.Fetcher.Head(ctx, url)
}
