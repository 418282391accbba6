package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/backoff"
	"github.com/JakeFAU/artifact-pipeline/internal/clock/system"
	"github.com/JakeFAU/artifact-pipeline/internal/identity"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/memory"
)

var museum = pipeline.Source{Name: "museum", SeedPage: "https://museum.example/list?page={page}"}

type harness struct {
	clock   *system.Manual
	store   *memory.Store
	tracker *Tracker
	disc    *fakeDiscoverer
	events  *recorder
	job     *Job
}

func newHarness() *harness {
	clock := system.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	store := memory.NewStore(clock)
	tracker := NewTracker(clock, backoff.Exponential{Base: time.Minute, Max: 8 * time.Minute})
	disc := &fakeDiscoverer{pages: map[int][]string{}}
	events := &recorder{}
	job := NewJob(disc, identity.NewRegistrar(store, clock), store, tracker, events, zap.NewNop())
	return &harness{clock: clock, store: store, tracker: tracker, disc: disc, events: events, job: job}
}

func (h *harness) run(t *testing.T, page int) (Result, error) {
	t.Helper()
	require.True(t, h.tracker.Acquire(museum.Name))
	return h.job.Run(context.Background(), museum, page)
}

func (h *harness) cursor(t *testing.T) int {
	t.Helper()
	page, err := h.store.GetCursor(context.Background(), museum.Name)
	require.NoError(t, err)
	return page
}

func TestRunAdvancesCursorOnNewItems(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.disc.pages[1] = []string{
		"https://museum.example/items/1",
		"https://museum.example/items/2",
		"https://museum.example/items/2#dup",
		"/relative/ignored",
	}

	res, err := h.run(t, 1)
	require.NoError(t, err)
	require.Equal(t, 4, res.Found)
	require.Equal(t, 2, res.Created)
	require.True(t, res.Advanced)
	require.Equal(t, 1, h.cursor(t))

	m, err := h.store.Metrics(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, m.Count(pipeline.StageDiscovered))
	require.Equal(t, []string{"museum"}, h.tracker.Eligible([]string{"museum"}))
	require.Len(t, h.events.events(), 1)
	require.Equal(t, progress.StageDiscover, h.events.events()[0].Stage)
}

func TestRunZeroNewItemsKeepsCursorAndBacksOff(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.disc.pages[1] = []string{"https://museum.example/items/1"}
	_, err := h.run(t, 1)
	require.NoError(t, err)

	// Page 2 repeats page 1: nothing new.
	h.disc.pages[2] = []string{"https://museum.example/items/1"}
	res, err := h.run(t, 2)
	require.NoError(t, err)
	require.False(t, res.Advanced)
	require.Zero(t, res.Created)
	require.Equal(t, time.Minute, res.Backoff)
	require.Equal(t, 1, h.cursor(t), "cursor must not move on an empty page")

	require.Empty(t, h.tracker.Eligible([]string{"museum"}))
	require.False(t, h.tracker.Acquire("museum"))

	h.clock.Advance(time.Minute)
	res, err = h.run(t, 2)
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, res.Backoff, "backoff doubles per consecutive empty page")
	require.Equal(t, 1, h.cursor(t))
}

func TestRunEmptyPageFromStart(t *testing.T) {
	t.Parallel()
	h := newHarness()
	res, err := h.run(t, 1)
	require.NoError(t, err)
	require.False(t, res.Advanced)
	require.Zero(t, h.cursor(t))
}

func TestRunErrorKeepsCursor(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.disc.err = errors.New("listing unavailable")

	res, err := h.run(t, 1)
	require.Error(t, err)
	require.Equal(t, time.Minute, res.Backoff)
	require.Zero(t, h.cursor(t))

	snap := h.tracker.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "failed", snap[0].LastOutcome)
	require.False(t, snap[0].InFlight)
	require.Contains(t, h.events.events()[0].Note, "listing unavailable")
}

func TestCursorAdvancesExactlyOnePagePerProductiveRun(t *testing.T) {
	t.Parallel()
	h := newHarness()
	for page := 1; page <= 3; page++ {
		h.disc.pages[page] = []string{"https://museum.example/items/p" + string(rune('0'+page))}
		next := h.cursor(t) + 1
		require.Equal(t, page, next)
		_, err := h.run(t, next)
		require.NoError(t, err)
		require.Equal(t, page, h.cursor(t))
	}
}

func TestTrackerLeaseAndOrdering(t *testing.T) {
	t.Parallel()
	clock := system.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	tr := NewTracker(clock, backoff.Exponential{Base: time.Minute, Max: time.Hour})

	require.Equal(t, []string{"a", "b"}, tr.Eligible([]string{"a", "b"}))
	require.True(t, tr.Acquire("a"))
	require.False(t, tr.Acquire("a"), "one discovery per source")
	require.Equal(t, []string{"b"}, tr.Eligible([]string{"a", "b"}))

	clock.Advance(time.Second)
	tr.Release("a", OutcomeAdvanced)
	require.Equal(t, []string{"b", "a"}, tr.Eligible([]string{"a", "b"}), "least recently attempted first")

	require.True(t, tr.Acquire("b"))
	tr.Abandon("b")
	require.True(t, tr.Acquire("b"))
}

func TestTrackerBackoffCaps(t *testing.T) {
	t.Parallel()
	clock := system.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	tr := NewTracker(clock, backoff.Exponential{Base: time.Minute, Max: 3 * time.Minute})
	var last time.Duration
	for i := 0; i < 5; i++ {
		last = tr.Release("a", OutcomeEmpty)
	}
	require.Equal(t, 3*time.Minute, last)
	require.Zero(t, tr.Release("a", OutcomeAdvanced))
	require.Equal(t, []string{"a"}, tr.Eligible([]string{"a"}))
}

// --- fakes ---

type fakeDiscoverer struct {
	pages map[int][]string
	err   error
}

func (f *fakeDiscoverer) Discover(_ context.Context, _ pipeline.Source, page int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[page], nil
}

type recorder struct {
	mu  sync.Mutex
	evs []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, evt)
}

func (r *recorder) events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.evs...)
}
