// Package grabber defines core types shared across subsystems.
package grabber

import (
	"fmt"
	"time"
)

// State represents the download lifecycle state of a WorkItem.
type State string

// State values persisted in the work store.
const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateNotFound   State = "NOT_FOUND"
	StateSkipped    State = "SKIPPED"
)

// Terminal reports whether the state ends an item's lifecycle for this run.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateNotFound, StateSkipped:
		return true
	}
	return false
}

// ParseState converts a persisted string back to a State, defaulting to Pending.
func ParseState(raw string) State {
	switch State(raw) {
	case StatePending, StateInProgress, StateCompleted, StateFailed, StateNotFound, StateSkipped:
		return State(raw)
	}
	return StatePending
}

// DataSetConfig is the read-only per-run description of one key namespace.
type DataSetConfig struct {
	ID          int    `mapstructure:"id" json:"id"`
	Name        string `mapstructure:"name" json:"name"`
	BaseURL     string `mapstructure:"base_url" json:"base_url"`
	FileURLBase string `mapstructure:"file_url_base" json:"file_url_base"`
	KeyPrefix   string `mapstructure:"key_prefix" json:"key_prefix"`
	// FirstID/LastID bound the enumerator walk; both zero disables enumeration.
	FirstID uint64 `mapstructure:"first_id" json:"first_id"`
	LastID  uint64 `mapstructure:"last_id" json:"last_id"`
	// MaxPageIndex is the 0-based last index page; -1 means auto-detect.
	MaxPageIndex int `mapstructure:"max_page_index" json:"max_page_index"`
}

// PageURL builds the index page URL for a 0-based page number.
func (c DataSetConfig) PageURL(page int) string {
	if page == 0 {
		return c.BaseURL
	}
	return fmt.Sprintf("%s?page=%d", c.BaseURL, page)
}

// FileURL builds the artifact URL for a key.
func (c DataSetConfig) FileURL(key string) string {
	return c.FileURLBase + key + ".pdf"
}

// FormatKey renders an integer id as this data set's key.
func (c DataSetConfig) FormatKey(id uint64) string {
	return FormatKey(c.KeyPrefix, id)
}

// Validate rejects configurations the engine cannot run with.
func (c DataSetConfig) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("%w: data set id must be > 0", ErrConfig)
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("%w: key prefix is required", ErrConfig)
	}
	if c.FirstID > c.LastID {
		return fmt.Errorf("%w: first_id %d exceeds last_id %d", ErrConfig, c.FirstID, c.LastID)
	}
	return nil
}

// WorkItem tracks a single key's download lifecycle within a data set.
// (data_set, key) is unique; StorageID is the store's handle for the row.
type WorkItem struct {
	StorageID  int64     `db:"id"`
	DataSet    int       `db:"data_set"`
	Key        string    `db:"file_key"`
	SourceURL  string    `db:"url"`
	LocalPath  string    `db:"local_path"`
	State      State     `db:"status"`
	SizeBytes  int64     `db:"file_size"`
	RetryCount int       `db:"retry_count"`
	LastError  string    `db:"error_message"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// PageRecord tracks one index page's scrape status.
type PageRecord struct {
	DataSet    int       `db:"data_set"`
	PageNumber int       `db:"page_number"`
	Scraped    bool      `db:"scraped"`
	PDFCount   int       `db:"pdf_count"`
	ScrapedAt  time.Time `db:"scraped_at"`
}

// StoreStats is a consistent read of per-state counts and scrape progress.
type StoreStats struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	NotFound   int64 `json:"not_found"`
	Skipped    int64 `json:"skipped"`

	TotalPages   int64 `json:"total_pages"`
	PagesScraped int64 `json:"pages_scraped"`
	KeysFound    int64 `json:"keys_found"`

	EnumeratorCurrent uint64 `json:"enumerator_current"`
}

// StatsSnapshot combines store counts with session-local counters. It is
// derived once per aggregator tick and handed to observers by value.
type StatsSnapshot struct {
	StoreStats

	BytesSession         int64   `json:"bytes_session"`
	ActiveDownloads      int64   `json:"active_downloads"`
	ElapsedSeconds       float64 `json:"elapsed_seconds"`
	ActiveTransferWallMS int64   `json:"active_transfer_wall_ms"`
	// WallSpeedBPS is bytes_session over wall-clock elapsed time.
	WallSpeedBPS float64 `json:"wall_speed_bps"`
	// WireSpeedBPS is bytes_session over ActiveTransferWallMS: the span from
	// the session's first transfer start to its latest transfer end. Idle
	// gaps between bursts are not excluded from that span.
	WireSpeedBPS float64 `json:"wire_speed_bps"`
}

// FetchResult is returned by Fetcher operations. HTTPCode is authoritative
// whenever the request completed at the HTTP layer; interpretation of status
// codes is the dispatcher's job, not the Fetcher's.
type FetchResult struct {
	HTTPCode int
	// Body is populated by GetBytes only; GetToPath streams to disk.
	Body []byte
	// DeclaredLength is the server's Content-Length, or -1 when absent.
	DeclaredLength int64
	// ActualLength is the observed body size in bytes.
	ActualLength int64
	ContentType  string
	SetCookies   []string
	// WireTime is the wall time spent on this transfer.
	WireTime time.Duration
}
