// Package memory provides an in-memory WorkStore for development/testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/segin/efgrabber/internal/grabber"
)

type itemKey struct {
	dataSet int
	key     string
}

type pageKey struct {
	dataSet int
	page    int
}

// Store implements grabber.WorkStore with maps and a mutex.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	items       map[itemKey]*grabber.WorkItem
	byID        map[int64]*grabber.WorkItem
	pages       map[pageKey]*grabber.PageRecord
	checkpoints map[int]uint64
	clock       grabber.Clock
}

// New constructs a Store. A nil clock uses the system clock.
func New(clock grabber.Clock) *Store {
	if clock == nil {
		clock = grabber.SystemClock{}
	}
	return &Store{
		nextID:      1,
		items:       make(map[itemKey]*grabber.WorkItem),
		byID:        make(map[int64]*grabber.WorkItem),
		pages:       make(map[pageKey]*grabber.PageRecord),
		checkpoints: make(map[int]uint64),
		clock:       clock,
	}
}

// Initialize is a no-op for the in-memory store.
func (s *Store) Initialize(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// AddItem inserts one item, ignoring duplicates of (data_set, key).
func (s *Store) AddItem(_ context.Context, item grabber.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(item)
	return nil
}

// AddItemsBatch inserts items, ignoring duplicates, and returns the number
// actually inserted.
func (s *Store) AddItemsBatch(_ context.Context, items []grabber.WorkItem) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted int64
	for _, item := range items {
		if s.insertLocked(item) {
			inserted++
		}
	}
	return inserted, nil
}

func (s *Store) insertLocked(item grabber.WorkItem) bool {
	k := itemKey{item.DataSet, item.Key}
	if _, exists := s.items[k]; exists {
		return false
	}
	now := s.clock.Now()
	stored := item
	stored.StorageID = s.nextID
	s.nextID++
	if stored.State == "" {
		stored.State = grabber.StatePending
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.items[k] = &stored
	s.byID[stored.StorageID] = &stored
	return true
}

// SetState transitions an item by storage id.
func (s *Store) SetState(_ context.Context, storageID int64, state grabber.State, errText string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byID[storageID]
	if !ok {
		return grabber.NewStoreError(grabber.StoreConstraint, errItemNotFound(storageID))
	}
	s.setStateLocked(item, state, errText, size)
	return nil
}

// SetStateByKey transitions an item by (data_set, key).
func (s *Store) SetStateByKey(_ context.Context, dataSet int, key string, state grabber.State, errText string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemKey{dataSet, key}]
	if !ok {
		return grabber.NewStoreError(grabber.StoreConstraint, errKeyNotFound(dataSet, key))
	}
	s.setStateLocked(item, state, errText, size)
	return nil
}

func (s *Store) setStateLocked(item *grabber.WorkItem, state grabber.State, errText string, size int64) {
	item.State = state
	item.LastError = errText
	if size > 0 {
		item.SizeBytes = size
	}
	item.UpdatedAt = s.clock.Now()
}

// IncrementRetry bumps the retry counter.
func (s *Store) IncrementRetry(_ context.Context, storageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byID[storageID]
	if !ok {
		return grabber.NewStoreError(grabber.StoreConstraint, errItemNotFound(storageID))
	}
	item.RetryCount++
	item.UpdatedAt = s.clock.Now()
	return nil
}

// TakePending returns up to limit Pending items ordered by key.
func (s *Store) TakePending(_ context.Context, dataSet, limit int) ([]grabber.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.takeLocked(dataSet, limit, func(it *grabber.WorkItem) bool {
		return it.State == grabber.StatePending
	}), nil
}

// TakeRetryableFailed returns Failed items with retry_count < maxRetries.
func (s *Store) TakeRetryableFailed(_ context.Context, dataSet, maxRetries, limit int) ([]grabber.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.takeLocked(dataSet, limit, func(it *grabber.WorkItem) bool {
		return it.State == grabber.StateFailed && it.RetryCount < maxRetries
	}), nil
}

func (s *Store) takeLocked(dataSet, limit int, match func(*grabber.WorkItem) bool) []grabber.WorkItem {
	var out []grabber.WorkItem
	for _, item := range s.items {
		if item.DataSet == dataSet && match(item) {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ResetInProgress moves InProgress items back to Pending.
func (s *Store) ResetInProgress(_ context.Context, dataSet int) (int64, error) {
	return s.resetWhere(dataSet, func(st grabber.State) bool { return st == grabber.StateInProgress }, false), nil
}

// ResetFailed moves Failed items back to Pending and clears retry state.
func (s *Store) ResetFailed(_ context.Context, dataSet int) (int64, error) {
	return s.resetWhere(dataSet, func(st grabber.State) bool { return st == grabber.StateFailed }, true), nil
}

// ResetAll moves every item back to Pending and clears retry state.
func (s *Store) ResetAll(_ context.Context, dataSet int) (int64, error) {
	return s.resetWhere(dataSet, func(grabber.State) bool { return true }, true), nil
}

func (s *Store) resetWhere(dataSet int, match func(grabber.State) bool, clearRetries bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.clock.Now()
	for _, item := range s.items {
		if item.DataSet != dataSet || !match(item.State) || item.State == grabber.StatePending {
			continue
		}
		item.State = grabber.StatePending
		item.LastError = ""
		if clearRetries {
			item.RetryCount = 0
		}
		item.UpdatedAt = now
		n++
	}
	return n
}

// Exists reports whether (data_set, key) is present.
func (s *Store) Exists(_ context.Context, dataSet int, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[itemKey{dataSet, key}]
	return ok, nil
}

// ClearDataSet removes all items, pages, and the checkpoint for a data set.
func (s *Store) ClearDataSet(_ context.Context, dataSet int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, item := range s.items {
		if k.dataSet == dataSet {
			delete(s.items, k)
			delete(s.byID, item.StorageID)
			n++
		}
	}
	for k := range s.pages {
		if k.dataSet == dataSet {
			delete(s.pages, k)
		}
	}
	delete(s.checkpoints, dataSet)
	return n, nil
}

// AddPagesBatch materializes page rows [lo..hi], ignoring duplicates.
func (s *Store) AddPagesBatch(_ context.Context, dataSet, lo, hi int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := lo; p <= hi; p++ {
		k := pageKey{dataSet, p}
		if _, exists := s.pages[k]; exists {
			continue
		}
		s.pages[k] = &grabber.PageRecord{DataSet: dataSet, PageNumber: p}
	}
	return nil
}

// MarkScraped records a page's scrape completion.
func (s *Store) MarkScraped(_ context.Context, dataSet, page, pdfCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pageKey{dataSet, page}
	rec, ok := s.pages[k]
	if !ok {
		rec = &grabber.PageRecord{DataSet: dataSet, PageNumber: page}
		s.pages[k] = rec
	}
	rec.Scraped = true
	rec.PDFCount = pdfCount
	rec.ScrapedAt = s.clock.Now()
	return nil
}

// UnscrapedPages returns up to limit unscraped page numbers in order.
func (s *Store) UnscrapedPages(_ context.Context, dataSet, limit int) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for k, rec := range s.pages {
		if k.dataSet == dataSet && !rec.Scraped {
			out = append(out, k.page)
		}
	}
	sort.Ints(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Enumerator returns the persisted checkpoint, zero when absent.
func (s *Store) Enumerator(_ context.Context, dataSet int) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[dataSet], nil
}

// SetEnumerator persists the checkpoint.
func (s *Store) SetEnumerator(_ context.Context, dataSet int, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[dataSet] = id
	return nil
}

// Stats returns a consistent snapshot of counts for the data set.
func (s *Store) Stats(_ context.Context, dataSet int) (grabber.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st grabber.StoreStats
	for _, item := range s.items {
		if item.DataSet != dataSet {
			continue
		}
		switch item.State {
		case grabber.StatePending:
			st.Pending++
		case grabber.StateInProgress:
			st.InProgress++
		case grabber.StateCompleted:
			st.Completed++
		case grabber.StateFailed:
			st.Failed++
		case grabber.StateNotFound:
			st.NotFound++
		case grabber.StateSkipped:
			st.Skipped++
		}
	}
	for k, rec := range s.pages {
		if k.dataSet != dataSet {
			continue
		}
		st.TotalPages++
		if rec.Scraped {
			st.PagesScraped++
			st.KeysFound += int64(rec.PDFCount)
		}
	}
	st.EnumeratorCurrent = s.checkpoints[dataSet]
	return st, nil
}

// Item returns a copy of the stored item, for tests.
func (s *Store) Item(dataSet int, key string) (grabber.WorkItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemKey{dataSet, key}]
	if !ok {
		return grabber.WorkItem{}, false
	}
	return *item, true
}

// SetUpdatedAt rewrites an item's timestamp, for backoff tests.
func (s *Store) SetUpdatedAt(dataSet int, key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[itemKey{dataSet, key}]; ok {
		item.UpdatedAt = at
	}
}

var _ grabber.WorkStore = (*Store)(nil)
