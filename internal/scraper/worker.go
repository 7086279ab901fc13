// Package scraper discovers keys by walking the paginated index listings.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/extract"
	"github.com/segin/efgrabber/internal/grabber"
	"github.com/segin/efgrabber/internal/progress"
)

const (
	defaultProbeUpperBound = 100000
	// pageRetryDelay paces the loop when a whole round of pages failed, so
	// a flapping host is re-polled instead of hammered.
	pageRetryDelay = time.Second
)

// Config controls the scraper worker.
type Config struct {
	DataSet       grabber.DataSetConfig
	StorageRoot   string
	MaxConcurrent int
	// ProbeUpperBound caps the binary search for the page count.
	ProbeUpperBound int
	PageTimeout     time.Duration
	// SkipProbe is set when an external renderer pre-populated the page
	// universe; a resumed run with existing pages also skips the probe.
	SkipProbe bool
	// PageValid decides whether a 200 body is a real listing page. The
	// default accepts any body containing the key prefix or ".pdf" — a
	// known heuristic that can misclassify error pages mentioning either.
	PageValid func(body []byte) bool
}

// Worker probes the page count, then drains unscraped pages through a
// bounded scrape pool, committing discovered keys as Pending.
type Worker struct {
	cfg       Config
	store     grabber.WorkStore
	pages     grabber.PageFetcher
	extractor *extract.Extractor
	gate      *grabber.Gate
	hub       *progress.Hub
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	store grabber.WorkStore,
	pages grabber.PageFetcher,
	extractor *extract.Extractor,
	gate *grabber.Gate,
	hub *progress.Hub,
	logger *zap.Logger,
	cfg Config,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.ProbeUpperBound <= 0 {
		cfg.ProbeUpperBound = defaultProbeUpperBound
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 60 * time.Second
	}
	if cfg.PageValid == nil {
		prefix := []byte(cfg.DataSet.KeyPrefix)
		cfg.PageValid = func(body []byte) bool {
			return bytes.Contains(body, prefix) || bytes.Contains(body, []byte(".pdf"))
		}
	}
	return &Worker{
		cfg:       cfg,
		store:     store,
		pages:     pages,
		extractor: extractor,
		gate:      gate,
		hub:       hub,
		logger:    logger,
	}
}

// Run executes the probe and extraction phases until all pages are scraped
// or stop is requested.
func (w *Worker) Run(ctx context.Context) error {
	w.hub.EmitWorkerLifecycle("scraper", true)
	defer w.hub.EmitWorkerLifecycle("scraper", false)

	if err := w.materializePages(ctx); err != nil {
		return err
	}

	for {
		if w.gate.Wait() {
			return nil
		}

		pages, err := w.store.UnscrapedPages(ctx, w.cfg.DataSet.ID, w.cfg.MaxConcurrent)
		if err != nil {
			w.hub.EmitError(fmt.Sprintf("take unscraped pages: %v", err))
			return fmt.Errorf("take unscraped pages: %w", err)
		}
		if len(pages) == 0 {
			w.logger.Info("all pages scraped", zap.Int("data_set", w.cfg.DataSet.ID))
			return nil
		}

		var wg sync.WaitGroup
		var anyScraped atomic.Bool
		for _, page := range pages {
			wg.Add(1)
			go func(page int) {
				defer wg.Done()
				if w.scrapePage(ctx, page) {
					anyScraped.Store(true)
				}
			}(page)
		}
		wg.Wait()

		if w.gate.Stopped() {
			return nil
		}
		if !anyScraped.Load() {
			time.Sleep(pageRetryDelay)
		}
	}
}

// materializePages ensures the page universe exists, probing when needed.
func (w *Worker) materializePages(ctx context.Context) error {
	st, err := w.store.Stats(ctx, w.cfg.DataSet.ID)
	if err != nil {
		w.hub.EmitError(fmt.Sprintf("read store stats: %v", err))
		return fmt.Errorf("read store stats: %w", err)
	}
	// A resumed run already has its universe; an external renderer may have
	// pre-populated it too.
	if w.cfg.SkipProbe || st.TotalPages > 0 {
		return nil
	}

	detected := w.probe(ctx)
	if w.gate.Stopped() {
		return nil
	}
	if detected < 0 {
		if w.cfg.DataSet.MaxPageIndex >= 0 {
			w.logger.Warn("page probe failed, using configured max page",
				zap.Int("max_page_index", w.cfg.DataSet.MaxPageIndex))
			detected = w.cfg.DataSet.MaxPageIndex
		} else {
			// Proceed on already-enqueued work with an empty universe.
			w.hub.EmitError("page probe could not determine page count")
			return nil
		}
	} else {
		w.logger.Info("detected page count", zap.Int("pages", detected+1))
	}

	if err := w.store.AddPagesBatch(ctx, w.cfg.DataSet.ID, 0, detected); err != nil {
		w.hub.EmitError(fmt.Sprintf("materialize pages: %v", err))
		return fmt.Errorf("materialize pages: %w", err)
	}
	return nil
}

// probe binary-searches [0, upper] for the last valid index page. A page is
// valid iff it answers 200 with a non-empty body the heuristic accepts.
func (w *Worker) probe(ctx context.Context) int {
	low, high, detected := 0, w.cfg.ProbeUpperBound, -1
	for low <= high && !w.gate.Stopped() {
		mid := low + (high-low)/2
		res, err := w.pages.GetBytes(ctx, w.cfg.DataSet.PageURL(mid), w.cfg.PageTimeout)
		if err == nil && res.HTTPCode == 200 && len(res.Body) > 0 && w.cfg.PageValid(res.Body) {
			detected = mid
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return detected
}

// scrapePage fetches one index page and commits its keys. A failed page is
// left unscraped and will be retaken.
func (w *Worker) scrapePage(ctx context.Context, page int) bool {
	ds := w.cfg.DataSet
	res, err := w.pages.GetBytes(ctx, ds.PageURL(page), w.cfg.PageTimeout)
	if err != nil {
		w.logger.Warn("page fetch failed", zap.Int("page", page), zap.Error(err))
		return false
	}
	if res.HTTPCode != 200 {
		w.logger.Warn("page fetch rejected",
			zap.Int("page", page), zap.Int("http_code", res.HTTPCode))
		return false
	}

	links, err := w.extractor.Extract(string(res.Body))
	if err != nil {
		w.logger.Warn("link extraction failed", zap.Int("page", page), zap.Error(err))
		return false
	}

	items := make([]grabber.WorkItem, 0, len(links))
	for _, link := range links {
		items = append(items, grabber.WorkItem{
			DataSet:   ds.ID,
			Key:       link.Key,
			SourceURL: link.URL,
			LocalPath: grabber.LocalPath(w.cfg.StorageRoot, ds, link.Key),
			State:     grabber.StatePending,
		})
	}
	// Duplicates across pages resolve through the store's uniqueness
	// constraint; the first observation wins.
	if _, err := w.store.AddItemsBatch(ctx, items); err != nil {
		w.logger.Error("commit keys failed", zap.Int("page", page), zap.Error(err))
		return false
	}
	if err := w.store.MarkScraped(ctx, ds.ID, page, len(links)); err != nil {
		w.logger.Error("mark scraped failed", zap.Int("page", page), zap.Error(err))
		return false
	}
	w.hub.EmitPageScraped(page, len(links))
	return true
}
