package progress

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/segin/efgrabber/internal/grabber"
)

type recordingObserver struct {
	NopObserver
	mu     sync.Mutex
	states []grabber.State
	pages  []int
	done   int
	errors []string
}

func (r *recordingObserver) FileStateChanged(_ string, state grabber.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recordingObserver) PageScraped(page, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = append(r.pages, page)
}

func (r *recordingObserver) RunComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
}

func (r *recordingObserver) Error(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

func TestHub_FansOutToAllObservers(t *testing.T) {
	t.Parallel()

	h := NewHub()
	a := &recordingObserver{}
	b := &recordingObserver{}
	h.Register(a)
	h.Register(b)

	h.EmitFileState("EFTA00000001", grabber.StateCompleted)
	h.EmitPageScraped(3, 25)
	h.EmitRunComplete()
	h.EmitError("boom")

	for _, o := range []*recordingObserver{a, b} {
		require.Equal(t, []grabber.State{grabber.StateCompleted}, o.states)
		require.Equal(t, []int{3}, o.pages)
		require.Equal(t, 1, o.done)
		require.Equal(t, []string{"boom"}, o.errors)
	}
}

func TestHub_ConcurrentEmitsAreSerialized(t *testing.T) {
	t.Parallel()

	h := NewHub()
	o := &recordingObserver{}
	h.Register(o)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			h.EmitPageScraped(n, 0)
		}(i)
	}
	wg.Wait()
	require.Len(t, o.pages, 50)
}

func TestHub_NilSafe(t *testing.T) {
	t.Parallel()

	var h *Hub
	h.EmitRunComplete()
	h.Register(&recordingObserver{})
	require.Equal(t, uuid.Nil, h.RunID())
	require.Equal(t, uuid.Nil, h.NewRun())
}

func TestHub_NewRunRotatesID(t *testing.T) {
	t.Parallel()

	h := NewHub()
	first := h.RunID()
	second := h.NewRun()
	require.NotEqual(t, first, second)
	require.Equal(t, second, h.RunID())
}
