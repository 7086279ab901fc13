package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/segin/efgrabber/internal/grabber"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func item(key string) grabber.WorkItem {
	return grabber.WorkItem{
		DataSet:   11,
		Key:       key,
		SourceURL: "https://example.com/" + key + ".pdf",
		LocalPath: "/tmp/" + key + ".pdf",
		State:     grabber.StatePending,
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Initialize(context.Background()))
}

func TestAddItemsBatch_IgnoresDuplicates(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	batch := []grabber.WorkItem{item("EFTA00000001"), item("EFTA00000002")}

	n, err := s.AddItemsBatch(ctx, batch)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// Re-adding the same set leaves the store unchanged.
	n, err = s.AddItemsBatch(ctx, batch)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	st, err := s.Stats(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 2, st.Pending)
}

func TestTakePending_OrderedAndLimited(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	_, err := s.AddItemsBatch(ctx, []grabber.WorkItem{
		item("EFTA00000003"), item("EFTA00000001"), item("EFTA00000002"),
	})
	require.NoError(t, err)

	items, err := s.TakePending(ctx, 11, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "EFTA00000001", items[0].Key)
	require.Equal(t, "EFTA00000002", items[1].Key)
	// Taking does not transition state.
	st, err := s.Stats(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 3, st.Pending)
}

func TestSetStateAndRetryCycle(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	_, err := s.AddItemsBatch(ctx, []grabber.WorkItem{item("EFTA00000001")})
	require.NoError(t, err)

	items, err := s.TakePending(ctx, 11, 1)
	require.NoError(t, err)
	id := items[0].StorageID

	require.NoError(t, s.SetState(ctx, id, grabber.StateInProgress, "", 0))
	require.NoError(t, s.IncrementRetry(ctx, id))
	require.NoError(t, s.SetState(ctx, id, grabber.StateFailed, "HTTP error: 500", 0))

	failed, err := s.TakeRetryableFailed(ctx, 11, 3, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 1, failed[0].RetryCount)
	require.Equal(t, "HTTP error: 500", failed[0].LastError)

	// At the retry cap the item is no longer eligible.
	failed, err = s.TakeRetryableFailed(ctx, 11, 1, 10)
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestSetState_RecordsSizeOnlyWhenPositive(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	_, err := s.AddItemsBatch(ctx, []grabber.WorkItem{item("EFTA00000001")})
	require.NoError(t, err)
	items, _ := s.TakePending(ctx, 11, 1)
	id := items[0].StorageID

	require.NoError(t, s.SetState(ctx, id, grabber.StateCompleted, "", 1234))
	require.NoError(t, s.SetStateByKey(ctx, 11, "EFTA00000001", grabber.StatePending, "", 0))

	items, err = s.TakePending(ctx, 11, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1234, items[0].SizeBytes)
}

func TestResetInProgress_Idempotent(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	_, err := s.AddItemsBatch(ctx, []grabber.WorkItem{item("EFTA00000001"), item("EFTA00000002")})
	require.NoError(t, err)
	items, _ := s.TakePending(ctx, 11, 2)
	for _, it := range items {
		require.NoError(t, s.SetState(ctx, it.StorageID, grabber.StateInProgress, "", 0))
	}

	n, err := s.ResetInProgress(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = s.ResetInProgress(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestResetFailedAndResetAll(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	_, err := s.AddItemsBatch(ctx, []grabber.WorkItem{item("EFTA00000001"), item("EFTA00000002")})
	require.NoError(t, err)
	items, _ := s.TakePending(ctx, 11, 2)
	require.NoError(t, s.IncrementRetry(ctx, items[0].StorageID))
	require.NoError(t, s.SetState(ctx, items[0].StorageID, grabber.StateFailed, "boom", 0))
	require.NoError(t, s.SetState(ctx, items[1].StorageID, grabber.StateCompleted, "", 10))

	n, err := s.ResetFailed(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	pending, _ := s.TakePending(ctx, 11, 10)
	require.Len(t, pending, 1)
	require.Equal(t, 0, pending[0].RetryCount)

	n, err = s.ResetAll(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 1, n) // only the Completed row remained non-Pending
	st, _ := s.Stats(ctx, 11)
	require.EqualValues(t, 2, st.Pending)
}

func TestExistsAndClearDataSet(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	_, err := s.AddItemsBatch(ctx, []grabber.WorkItem{item("EFTA00000001")})
	require.NoError(t, err)
	require.NoError(t, s.AddPagesBatch(ctx, 11, 0, 3))
	require.NoError(t, s.SetEnumerator(ctx, 11, 42))

	ok, err := s.Exists(ctx, 11, "EFTA00000001")
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := s.ClearDataSet(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	ok, err = s.Exists(ctx, 11, "EFTA00000001")
	require.NoError(t, err)
	require.False(t, ok)

	st, err := s.Stats(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 0, st.TotalPages)
	require.EqualValues(t, 0, st.EnumeratorCurrent)
}

func TestPageLifecycle(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddPagesBatch(ctx, 11, 0, 9))
	// Re-materializing is a no-op for existing rows.
	require.NoError(t, s.AddPagesBatch(ctx, 11, 0, 9))

	pages, err := s.UnscrapedPages(ctx, 11, 5)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3, 4}, pages)

	require.NoError(t, s.MarkScraped(ctx, 11, 0, 25))
	require.NoError(t, s.MarkScraped(ctx, 11, 1, 0))

	pages, err = s.UnscrapedPages(ctx, 11, 100)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 4, 5, 6, 7, 8, 9}, pages)

	st, err := s.Stats(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 10, st.TotalPages)
	require.EqualValues(t, 2, st.PagesScraped)
	require.EqualValues(t, 25, st.KeysFound)
}

func TestEnumeratorCheckpoint(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	id, err := s.Enumerator(ctx, 11)
	require.NoError(t, err)
	require.Zero(t, id)

	require.NoError(t, s.SetEnumerator(ctx, 11, 2205655))
	require.NoError(t, s.SetEnumerator(ctx, 11, 2206655))

	id, err = s.Enumerator(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 2206655, id)
}

func TestStats_IsolatedPerDataSet(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	other := item("EFTA00000009")
	other.DataSet = 9
	_, err := s.AddItemsBatch(ctx, []grabber.WorkItem{item("EFTA00000001"), other})
	require.NoError(t, err)

	st, err := s.Stats(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 1, st.Pending)
}

func TestTimestampsRoundTrip(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	before := time.Now().UTC().Add(-time.Second)
	_, err := s.AddItemsBatch(ctx, []grabber.WorkItem{item("EFTA00000001")})
	require.NoError(t, err)

	items, err := s.TakePending(ctx, 11, 1)
	require.NoError(t, err)
	require.True(t, items[0].CreatedAt.After(before))
	require.False(t, items[0].UpdatedAt.Before(items[0].CreatedAt))
}
