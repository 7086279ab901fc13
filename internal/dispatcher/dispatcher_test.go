package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/grabber"
	"github.com/segin/efgrabber/internal/progress"
	"github.com/segin/efgrabber/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeFetcher maps URLs to canned HTTP codes and writes bodies to disk for
// 2xx responses.
type fakeFetcher struct {
	mu         sync.Mutex
	codes      map[string]int
	body       []byte
	delay      time.Duration
	calls      map[string]int
	inFlight   atomic.Int64
	peakActive atomic.Int64
}

func newFakeFetcher(body []byte) *fakeFetcher {
	return &fakeFetcher{
		codes: make(map[string]int),
		body:  body,
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) setCode(url string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[url] = code
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) GetBytes(context.Context, string, time.Duration) (grabber.FetchResult, error) {
	return grabber.FetchResult{HTTPCode: 200}, nil
}

func (f *fakeFetcher) Head(context.Context, string) (bool, error) { return true, nil }

func (f *fakeFetcher) GetToPath(_ context.Context, url, path string, _ time.Duration) (grabber.FetchResult, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peakActive.Load()
		if cur <= peak || f.peakActive.CompareAndSwap(peak, cur) {
			break
		}
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls[url]++
	code, ok := f.codes[url]
	f.mu.Unlock()
	if !ok {
		code = 200
	}

	res := grabber.FetchResult{HTTPCode: code, DeclaredLength: -1, WireTime: time.Millisecond}
	if code >= 200 && code < 300 {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return res, err
		}
		if err := os.WriteFile(path, f.body, 0o600); err != nil {
			return res, err
		}
		res.ActualLength = int64(len(f.body))
	}
	return res, nil
}

type fixture struct {
	store    *memory.Store
	fetcher  *fakeFetcher
	gate     *grabber.Gate
	clock    *fakeClock
	disp     *Dispatcher
	dir      string
	ds       grabber.DataSetConfig
	events   *stateRecorder
}

type stateRecorder struct {
	progress.NopObserver
	mu     sync.Mutex
	states map[string][]grabber.State
	errors []string
}

func (r *stateRecorder) FileStateChanged(key string, state grabber.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[key] = append(r.states[key], state)
}

func (r *stateRecorder) Error(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

func (r *stateRecorder) transitions(key string) []grabber.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]grabber.State(nil), r.states[key]...)
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := newFakeClock()
	f := &fixture{
		store:   memory.New(clock),
		fetcher: newFakeFetcher([]byte("0123456789")),
		gate:    grabber.NewGate(),
		clock:   clock,
		dir:     t.TempDir(),
		ds:      grabber.DataSet(11),
		events:  &stateRecorder{states: make(map[string][]grabber.State)},
	}
	cfg.DataSet = f.ds
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 5 * time.Second
	}
	hub := progress.NewHub()
	hub.Register(f.events)
	f.disp = New(f.store, f.fetcher, f.gate, hub, clock, zap.NewNop(), cfg)
	return f
}

func (f *fixture) seed(t *testing.T, n int, state grabber.State) []grabber.WorkItem {
	t.Helper()
	items := make([]grabber.WorkItem, 0, n)
	for i := 1; i <= n; i++ {
		key := grabber.FormatKey("EFTA", uint64(i))
		items = append(items, grabber.WorkItem{
			DataSet:   11,
			Key:       key,
			SourceURL: f.ds.FileURL(key),
			LocalPath: grabber.LocalPath(f.dir, f.ds, key),
			State:     state,
		})
	}
	_, err := f.store.AddItemsBatch(context.Background(), items)
	require.NoError(t, err)
	return items
}

func (f *fixture) run(t *testing.T) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.disp.Run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done chan error, within time.Duration) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(within):
		t.Fatal("dispatcher did not finish in time")
	}
}

func TestRun_CompletesPendingItems(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 4})
	f.seed(t, 5, grabber.StatePending)

	waitDone(t, f.run(t), 10*time.Second)

	st, err := f.store.Stats(context.Background(), 11)
	require.NoError(t, err)
	require.EqualValues(t, 5, st.Completed)
	require.EqualValues(t, 0, st.Pending)
	require.EqualValues(t, 0, st.InProgress)
	require.EqualValues(t, 50, f.disp.BytesSession())
	require.Zero(t, f.disp.ActiveDownloads())

	// Every artifact landed at its recorded path with the recorded size.
	for i := 1; i <= 5; i++ {
		key := grabber.FormatKey("EFTA", uint64(i))
		item, ok := f.store.Item(11, key)
		require.True(t, ok)
		require.EqualValues(t, 10, item.SizeBytes)
		fi, err := os.Stat(item.LocalPath)
		require.NoError(t, err)
		require.EqualValues(t, 10, fi.Size())
		require.Equal(t,
			[]grabber.State{grabber.StateCompleted},
			f.events.transitions(key))
	}
}

func TestRun_NotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 1})
	items := f.seed(t, 1, grabber.StatePending)
	f.fetcher.setCode(items[0].SourceURL, 404)

	waitDone(t, f.run(t), 10*time.Second)

	item, ok := f.store.Item(11, items[0].Key)
	require.True(t, ok)
	require.Equal(t, grabber.StateNotFound, item.State)
	require.Equal(t, "404 Not Found", item.LastError)
	_, err := os.Stat(items[0].LocalPath)
	require.True(t, os.IsNotExist(err))

	st, _ := f.store.Stats(context.Background(), 11)
	require.EqualValues(t, 1, st.NotFound)
}

func TestRun_BlockedIncrementsRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 1})
	items := f.seed(t, 1, grabber.StatePending)
	f.fetcher.setCode(items[0].SourceURL, 403)

	waitDone(t, f.run(t), 10*time.Second)

	item, _ := f.store.Item(11, items[0].Key)
	require.Equal(t, grabber.StateFailed, item.State)
	require.Equal(t, "Blocked: HTTP 403", item.LastError)
	require.Equal(t, 1, item.RetryCount)
}

func TestRun_ServerErrorFailsWithReason(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 1})
	items := f.seed(t, 1, grabber.StatePending)
	f.fetcher.setCode(items[0].SourceURL, 500)

	waitDone(t, f.run(t), 10*time.Second)

	item, _ := f.store.Item(11, items[0].Key)
	require.Equal(t, grabber.StateFailed, item.State)
	require.Equal(t, "HTTP error: 500", item.LastError)
	require.Equal(t, 1, item.RetryCount)
}

func TestRun_EmptyBodyIsNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 1})
	f.fetcher.body = nil
	items := f.seed(t, 1, grabber.StatePending)

	waitDone(t, f.run(t), 10*time.Second)

	item, _ := f.store.Item(11, items[0].Key)
	require.Equal(t, grabber.StateNotFound, item.State)
	require.Equal(t, "Empty response", item.LastError)
}

func TestRun_SkipsExistingFileWithoutNetwork(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 1})
	items := f.seed(t, 1, grabber.StatePending)
	require.NoError(t, os.MkdirAll(filepath.Dir(items[0].LocalPath), 0o750))
	require.NoError(t, os.WriteFile(items[0].LocalPath, []byte("already here"), 0o600))

	waitDone(t, f.run(t), 10*time.Second)

	item, _ := f.store.Item(11, items[0].Key)
	require.Equal(t, grabber.StateSkipped, item.State)
	require.Zero(t, f.fetcher.callCount(items[0].SourceURL))
}

func TestRun_OverwriteRedownloads(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 1, OverwriteExisting: true})
	items := f.seed(t, 1, grabber.StatePending)
	require.NoError(t, os.MkdirAll(filepath.Dir(items[0].LocalPath), 0o750))
	require.NoError(t, os.WriteFile(items[0].LocalPath, []byte("stale"), 0o600))

	waitDone(t, f.run(t), 10*time.Second)

	item, _ := f.store.Item(11, items[0].Key)
	require.Equal(t, grabber.StateCompleted, item.State)
	require.Equal(t, 1, f.fetcher.callCount(items[0].SourceURL))
}

func TestRun_RetryAfterBackoffWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 1, MaxRetries: 3})
	items := f.seed(t, 1, grabber.StatePending)
	f.fetcher.setCode(items[0].SourceURL, 500)
	// Keep the dispatcher waiting instead of declaring the run complete.
	f.disp.SetExternalProducerActive(true)

	done := f.run(t)

	require.Eventually(t, func() bool {
		item, _ := f.store.Item(11, items[0].Key)
		return item.State == grabber.StateFailed && item.RetryCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Inside the backoff window the item must not be retaken.
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 1, f.fetcher.callCount(items[0].SourceURL))

	// Let the item succeed once the window elapses.
	f.fetcher.setCode(items[0].SourceURL, 200)
	f.clock.Advance(grabber.SigmoidBackoff(1) + time.Second)

	require.Eventually(t, func() bool {
		item, _ := f.store.Item(11, items[0].Key)
		return item.State == grabber.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	f.disp.SetExternalProducerActive(false)
	waitDone(t, done, 10*time.Second)
}

func TestRun_ExhaustedRetriesStayFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 1, MaxRetries: 3})
	items := f.seed(t, 1, grabber.StatePending)
	f.fetcher.setCode(items[0].SourceURL, 500)
	f.disp.SetExternalProducerActive(true)

	done := f.run(t)

	for want := 1; want <= 3; want++ {
		require.Eventually(t, func() bool {
			item, _ := f.store.Item(11, items[0].Key)
			return item.RetryCount == want && item.State == grabber.StateFailed
		}, 5*time.Second, 10*time.Millisecond, "retry %d", want)
		f.clock.Advance(grabber.SigmoidBackoff(want) + time.Second)
	}

	// At the cap the item is no longer eligible no matter how long we wait.
	f.clock.Advance(time.Hour)
	time.Sleep(500 * time.Millisecond)
	item, _ := f.store.Item(11, items[0].Key)
	require.Equal(t, 3, item.RetryCount)
	require.Equal(t, grabber.StateFailed, item.State)

	f.disp.SetExternalProducerActive(false)
	waitDone(t, done, 10*time.Second)
}

func TestRun_ConcurrencyAdjustment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 2, PoolSize: 64})
	f.fetcher.delay = 100 * time.Millisecond
	f.seed(t, 60, grabber.StatePending)

	done := f.run(t)

	time.Sleep(250 * time.Millisecond)
	require.LessOrEqual(t, f.fetcher.peakActive.Load(), int64(2))

	f.disp.SetMaxConcurrent(10)
	require.Eventually(t, func() bool {
		return f.fetcher.peakActive.Load() >= 8
	}, 5*time.Second, 10*time.Millisecond)

	waitDone(t, done, 30*time.Second)

	st, _ := f.store.Stats(context.Background(), 11)
	require.EqualValues(t, 60, st.Completed)
	require.EqualValues(t, 0, st.InProgress)
}

func TestRun_PauseResumeIntegrity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 4})
	f.fetcher.delay = 20 * time.Millisecond
	f.seed(t, 50, grabber.StatePending)

	done := f.run(t)

	require.Eventually(t, func() bool {
		st, _ := f.store.Stats(context.Background(), 11)
		return st.Completed >= 10
	}, 10*time.Second, 5*time.Millisecond)

	f.gate.Pause()
	require.Eventually(t, func() bool {
		return f.disp.ActiveDownloads() == 0
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := f.store.Stats(context.Background(), 11)
	pausedCompleted := st.Completed
	bytesAtPause := f.disp.BytesSession()

	// No new work starts while paused.
	time.Sleep(300 * time.Millisecond)
	st, _ = f.store.Stats(context.Background(), 11)
	require.Equal(t, pausedCompleted, st.Completed)
	require.EqualValues(t, 0, st.InProgress)
	require.Equal(t, bytesAtPause, f.disp.BytesSession())

	f.gate.Resume()
	waitDone(t, done, 30*time.Second)

	st, _ = f.store.Stats(context.Background(), 11)
	require.EqualValues(t, 50, st.Completed)
	require.GreaterOrEqual(t, f.disp.BytesSession(), bytesAtPause)
}

func TestRun_StopDrainsInFlightTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 4})
	f.fetcher.delay = 50 * time.Millisecond
	f.seed(t, 40, grabber.StatePending)

	done := f.run(t)
	time.Sleep(120 * time.Millisecond)
	f.gate.Stop()
	waitDone(t, done, 10*time.Second)

	require.Zero(t, f.disp.ActiveDownloads())
}

func TestRun_WaitsForExternalProducer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 2})
	f.disp.SetExternalProducerActive(true)

	done := f.run(t)

	// Nothing queued yet: the dispatcher must idle, not exit.
	select {
	case <-done:
		t.Fatal("dispatcher exited while external producer active")
	case <-time.After(400 * time.Millisecond):
	}

	f.seed(t, 3, grabber.StatePending)
	require.Eventually(t, func() bool {
		st, _ := f.store.Stats(context.Background(), 11)
		return st.Completed == 3
	}, 10*time.Second, 10*time.Millisecond)

	f.disp.SetExternalProducerActive(false)
	waitDone(t, done, 10*time.Second)
}

func TestRun_WaitsForInProcessProducers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 2})
	var alive atomic.Bool
	alive.Store(true)
	f.disp.SetProducersAlive(alive.Load)

	done := f.run(t)

	select {
	case <-done:
		t.Fatal("dispatcher exited while producers alive")
	case <-time.After(400 * time.Millisecond):
	}

	f.seed(t, 2, grabber.StatePending)
	alive.Store(false)
	waitDone(t, done, 10*time.Second)

	st, _ := f.store.Stats(context.Background(), 11)
	require.EqualValues(t, 2, st.Completed)
}

func TestRun_SingleHolderPerKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 8, PoolSize: 32})
	f.fetcher.delay = 10 * time.Millisecond
	items := f.seed(t, 30, grabber.StatePending)

	waitDone(t, f.run(t), 30*time.Second)

	for _, it := range items {
		require.Equal(t, 1, f.fetcher.callCount(it.SourceURL), it.Key)
	}
}

func TestRun_WireCounters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 2})
	f.fetcher.delay = 30 * time.Millisecond
	f.seed(t, 4, grabber.StatePending)

	waitDone(t, f.run(t), 10*time.Second)

	require.Positive(t, f.disp.ActiveTransferWallMS())
	require.Positive(t, f.disp.WireTimeMS())
	require.EqualValues(t, 40, f.disp.BytesSession())
}

func TestRun_CancelledFetchLeavesInProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 1})
	f.seed(t, 1, grabber.StatePending)
	f.disp.fetcher = cancelledFetcher{}

	done := f.run(t)
	require.Eventually(t, func() bool {
		item, _ := f.store.Item(11, "EFTA00000001")
		return item.State == grabber.StateInProgress
	}, 5*time.Second, 10*time.Millisecond)

	f.gate.Stop()
	waitDone(t, done, 5*time.Second)

	item, _ := f.store.Item(11, "EFTA00000001")
	require.Equal(t, grabber.StateInProgress, item.State)
}

type cancelledFetcher struct{}

func (cancelledFetcher) GetBytes(context.Context, string, time.Duration) (grabber.FetchResult, error) {
	return grabber.FetchResult{}, grabber.ErrCancelled
}

func (cancelledFetcher) Head(context.Context, string) (bool, error) { return false, nil }

func (cancelledFetcher) GetToPath(context.Context, string, string, time.Duration) (grabber.FetchResult, error) {
	return grabber.FetchResult{}, grabber.ErrCancelled
}
