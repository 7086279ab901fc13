package grabber

import (
	"context"
	"time"
)

// WorkStore persists per-key work items, the page-scrape log, and the
// enumerator checkpoint. All methods are safe for concurrent use.
type WorkStore interface {
	// Initialize creates tables and indices. Idempotent.
	Initialize(ctx context.Context) error

	AddItem(ctx context.Context, item WorkItem) error
	// AddItemsBatch inserts items in one transaction with ignore-on-duplicate
	// semantics and returns the number of rows actually inserted.
	AddItemsBatch(ctx context.Context, items []WorkItem) (int64, error)

	SetState(ctx context.Context, storageID int64, state State, errText string, size int64) error
	SetStateByKey(ctx context.Context, dataSet int, key string, state State, errText string, size int64) error
	IncrementRetry(ctx context.Context, storageID int64) error

	// TakePending returns up to limit Pending items ordered by key. It does
	// not transition state; the caller moves taken items to InProgress.
	TakePending(ctx context.Context, dataSet, limit int) ([]WorkItem, error)
	// TakeRetryableFailed returns Failed items with retry_count < maxRetries.
	TakeRetryableFailed(ctx context.Context, dataSet, maxRetries, limit int) ([]WorkItem, error)

	ResetInProgress(ctx context.Context, dataSet int) (int64, error)
	ResetFailed(ctx context.Context, dataSet int) (int64, error)
	ResetAll(ctx context.Context, dataSet int) (int64, error)

	Exists(ctx context.Context, dataSet int, key string) (bool, error)
	ClearDataSet(ctx context.Context, dataSet int) (int64, error)

	AddPagesBatch(ctx context.Context, dataSet, lo, hi int) error
	MarkScraped(ctx context.Context, dataSet, page, pdfCount int) error
	UnscrapedPages(ctx context.Context, dataSet, limit int) ([]int, error)

	Enumerator(ctx context.Context, dataSet int) (uint64, error)
	SetEnumerator(ctx context.Context, dataSet int, id uint64) error

	Stats(ctx context.Context, dataSet int) (StoreStats, error)

	Close() error
}

// PageFetcher fetches a whole page body into memory. Index-page scraping and
// the page-count probe need nothing more.
type PageFetcher interface {
	GetBytes(ctx context.Context, url string, timeout time.Duration) (FetchResult, error)
}

// Fetcher is the full HTTP capability used for artifact downloads. GetToPath
// streams to disk and removes the partial file on any non-2xx status or
// transport failure. Both operations honor the cancel flag mid-transfer.
type Fetcher interface {
	PageFetcher
	GetToPath(ctx context.Context, url, path string, timeout time.Duration) (FetchResult, error)
	// Head reports whether the URL answers 200 to a HEAD request.
	Head(ctx context.Context, url string) (bool, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock is the real Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// SessionCounters exposes the dispatcher's session-local atomics to the
// stats aggregator.
type SessionCounters interface {
	BytesSession() int64
	ActiveDownloads() int64
	ActiveTransferWallMS() int64
}
