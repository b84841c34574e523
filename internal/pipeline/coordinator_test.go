package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-stream/internal/registry"
	"github.com/JakeFAU/listing-stream/internal/scrape"
)

// gatedRunner blocks every run until release is closed or ctx ends.
type gatedRunner struct {
	calls    atomic.Int32
	started  chan RunRequest
	release  chan struct{}
	mu       sync.Mutex
	requests []RunRequest
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{started: make(chan RunRequest, 8), release: make(chan struct{})}
}

func (r *gatedRunner) Run(ctx context.Context, req RunRequest) (RunState, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	r.started <- req
	select {
	case <-r.release:
		req.Broadcaster.BroadcastProgress(ctx, 1, 1)
		req.Broadcaster.BroadcastChunk(ctx, []scrape.Record{{Name: "a"}})
		return RunState{Status: StatusCompleted}, nil
	case <-ctx.Done():
		req.Broadcaster.BroadcastError(context.WithoutCancel(ctx), ctx.Err().Error())
		return RunState{Status: StatusFailed}, ctx.Err()
	}
}

type runnerFunc func(ctx context.Context, req RunRequest) (RunState, error)

func (f runnerFunc) Run(ctx context.Context, req RunRequest) (RunState, error) {
	return f(ctx, req)
}

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("run-%d", s.n.Add(1)), nil
}

type collector struct {
	id     string
	mu     sync.Mutex
	events []scrape.Event
}

func (c *collector) ID() string { return c.id }

func (c *collector) Send(_ context.Context, evt scrape.Event) error {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	return nil
}

func (c *collector) Events() []scrape.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scrape.Event(nil), c.events...)
}

func newTestCoordinator(runner Runner) *Coordinator {
	return NewCoordinator(runner, testSource(1), &seqIDs{}, &fakeClock{now: time.Unix(1700000000, 0)}, nil)
}

func waitStarted(t *testing.T, r *gatedRunner) RunRequest {
	t.Helper()
	select {
	case req := <-r.started:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start")
		return RunRequest{}
	}
}

func TestAttachSharesRunForSameKey(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	c := newTestCoordinator(runner)
	a := &collector{id: "a"}
	b := &collector{id: "b"}

	id1, _, err := c.Attach("-FC2", a)
	require.NoError(t, err)
	req := waitStarted(t, runner)
	id2, _, err := c.Attach("-FC2", b)
	require.NoError(t, err)

	require.Equal(t, id1, id2)
	require.Equal(t, id1, req.RunID)
	require.Equal(t, "-FC2", req.Source.Query)

	active := c.Active()
	require.Len(t, active, 1)
	require.Equal(t, 2, active[0].Subscribers)

	close(runner.release)
	require.NoError(t, c.Wait(context.Background()))

	require.Equal(t, int32(1), runner.calls.Load())
	require.Len(t, a.Events(), 2)
	require.Equal(t, a.Events(), b.Events())
	require.Empty(t, c.Active())
}

func TestAttachDifferentKeysRunIndependently(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	c := newTestCoordinator(runner)

	id1, _, err := c.Attach("alpha", &collector{id: "a"})
	require.NoError(t, err)
	id2, _, err := c.Attach("beta", &collector{id: "b"})
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	waitStarted(t, runner)
	waitStarted(t, runner)
	require.Len(t, c.Active(), 2)

	close(runner.release)
	require.NoError(t, c.Wait(context.Background()))
	require.Equal(t, int32(2), runner.calls.Load())
}

func TestKeyIsFreedAfterRunEnds(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	close(runner.release)
	c := newTestCoordinator(runner)

	id1, _, err := c.Attach("-FC2", &collector{id: "a"})
	require.NoError(t, err)
	require.NoError(t, c.Wait(context.Background()))

	id2, _, err := c.Attach("-FC2", &collector{id: "b"})
	require.NoError(t, err)
	require.NoError(t, c.Wait(context.Background()))

	require.NotEqual(t, id1, id2)
	require.Equal(t, int32(2), runner.calls.Load())
}

func TestDetachDoesNotStopRun(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	c := newTestCoordinator(runner)
	a := &collector{id: "a"}
	b := &collector{id: "b"}

	_, detachA, err := c.Attach("-FC2", a)
	require.NoError(t, err)
	_, _, err = c.Attach("-FC2", b)
	require.NoError(t, err)
	waitStarted(t, runner)

	detachA()
	detachA()
	require.Equal(t, 1, c.Active()[0].Subscribers)

	close(runner.release)
	require.NoError(t, c.Wait(context.Background()))
	require.Empty(t, a.Events())
	require.Len(t, b.Events(), 2)
}

func TestRunContinuesWithoutSubscribers(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	c := newTestCoordinator(runner)

	_, detach, err := c.Attach("-FC2", &collector{id: "a"})
	require.NoError(t, err)
	waitStarted(t, runner)
	detach()

	require.Len(t, c.Active(), 1)
	close(runner.release)
	require.NoError(t, c.Wait(context.Background()))
	require.Equal(t, int32(1), runner.calls.Load())
}

func TestShutdownCancelsRunsAndRefusesAttach(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	c := newTestCoordinator(runner)
	a := &collector{id: "a"}

	_, _, err := c.Attach("-FC2", a)
	require.NoError(t, err)
	waitStarted(t, runner)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))

	events := a.Events()
	require.Len(t, events, 1)
	require.Equal(t, scrape.KindError, events[0].Kind)

	_, _, err = c.Attach("-FC2", &collector{id: "late"})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	c := newTestCoordinator(runner)
	_, _, err := c.Attach("-FC2", &collector{id: "a"})
	require.NoError(t, err)
	waitStarted(t, runner)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	close(runner.release)
	require.NoError(t, c.Wait(context.Background()))
}

func TestAttachAfterLastEventStartsNewRun(t *testing.T) {
	t.Parallel()

	finished := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	runner := runnerFunc(func(ctx context.Context, req RunRequest) (RunState, error) {
		if calls.Add(1) == 1 {
			req.Broadcaster.BroadcastProgress(ctx, 1, 1)
			req.Finished()
			close(finished)
			<-release
		}
		return RunState{Status: StatusCompleted}, nil
	})
	c := newTestCoordinator(runner)

	id1, _, err := c.Attach("-FC2", &collector{id: "a"})
	require.NoError(t, err)
	<-finished
	require.Empty(t, c.Active())

	id2, _, err := c.Attach("-FC2", &collector{id: "b"})
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	close(release)
	require.NoError(t, c.Wait(context.Background()))
	require.Equal(t, int32(2), calls.Load())
}

func TestCoordinatorWithOrchestrator(t *testing.T) {
	t.Parallel()

	h := newHarness(fakeParser{counts: map[int]int{1: 12, 2: 3}}, Config{})
	c := NewCoordinator(h.orch, testSource(2), &seqIDs{}, h.clock, nil, registry.WithSendTimeout(time.Second))
	sub := &collector{id: "ws-1"}

	_, _, err := c.Attach(c.KeyFor(""), sub)
	require.NoError(t, err)
	require.NoError(t, c.Wait(context.Background()))

	events := sub.Events()
	require.Equal(t, scrape.ProgressEvent(1, 2), events[0])
	require.Equal(t, scrape.ProgressEvent(2, 2), events[1])
	require.Equal(t, []int{10, 5}, chunkSizes(events))
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, RunKey("foo bar"), NormalizeKey("  foo \t bar "))
	require.Equal(t, RunKey(""), NormalizeKey("   "))

	c := newTestCoordinator(newGatedRunner())
	require.Equal(t, RunKey("-FC2"), c.KeyFor(""))
	require.Equal(t, RunKey("ubuntu iso"), c.KeyFor(" ubuntu  iso"))
}
