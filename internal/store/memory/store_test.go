package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segin/efgrabber/internal/grabber"
)

func item(key string, state grabber.State) grabber.WorkItem {
	return grabber.WorkItem{DataSet: 11, Key: key, State: state}
}

func TestAddItemsBatch_Idempotent(t *testing.T) {
	t.Parallel()

	s := New(nil)
	ctx := context.Background()
	batch := []grabber.WorkItem{
		item("EFTA00000001", grabber.StatePending),
		item("EFTA00000002", grabber.StatePending),
	}

	n, err := s.AddItemsBatch(ctx, batch)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = s.AddItemsBatch(ctx, batch)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestTakePending_OrderedByKey(t *testing.T) {
	t.Parallel()

	s := New(nil)
	ctx := context.Background()
	_, err := s.AddItemsBatch(ctx, []grabber.WorkItem{
		item("EFTA00000003", grabber.StatePending),
		item("EFTA00000001", grabber.StatePending),
	})
	require.NoError(t, err)

	items, err := s.TakePending(ctx, 11, 10)
	require.NoError(t, err)
	require.Equal(t, "EFTA00000001", items[0].Key)
	require.Equal(t, "EFTA00000003", items[1].Key)
}

func TestSetStateByKeyAndErrors(t *testing.T) {
	t.Parallel()

	s := New(nil)
	ctx := context.Background()
	require.NoError(t, s.AddItem(ctx, item("EFTA00000001", grabber.StatePending)))

	require.NoError(t, s.SetStateByKey(ctx, 11, "EFTA00000001", grabber.StateCompleted, "", 42))
	got, ok := s.Item(11, "EFTA00000001")
	require.True(t, ok)
	require.Equal(t, grabber.StateCompleted, got.State)
	require.EqualValues(t, 42, got.SizeBytes)

	err := s.SetStateByKey(ctx, 11, "MISSING", grabber.StateFailed, "", 0)
	require.Equal(t, grabber.StoreConstraint, grabber.StoreErrorKind(err))

	err = s.SetState(ctx, 999, grabber.StateFailed, "", 0)
	require.Equal(t, grabber.StoreConstraint, grabber.StoreErrorKind(err))
}

func TestConcurrentWrites(t *testing.T) {
	t.Parallel()

	s := New(nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.AddItem(ctx, item(grabber.FormatKey("EFTA", uint64(n)), grabber.StatePending))
		}(i)
	}
	wg.Wait()

	st, err := s.Stats(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 20, st.Pending)
}

func TestResetsMirrorSQLSemantics(t *testing.T) {
	t.Parallel()

	s := New(nil)
	ctx := context.Background()
	require.NoError(t, s.AddItem(ctx, item("EFTA00000001", grabber.StateInProgress)))
	require.NoError(t, s.AddItem(ctx, item("EFTA00000002", grabber.StateFailed)))
	require.NoError(t, s.AddItem(ctx, item("EFTA00000003", grabber.StateCompleted)))

	n, err := s.ResetInProgress(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.ResetFailed(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.ResetAll(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.ResetInProgress(ctx, 11)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}
