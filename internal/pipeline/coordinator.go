package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/registry"
	"github.com/JakeFAU/listing-stream/internal/scrape"
)

// ErrShuttingDown is returned by Attach once Shutdown has begun.
var ErrShuttingDown = errors.New("coordinator is shutting down")

// RunKey identifies runs that may be shared: the normalized search query.
type RunKey string

// NormalizeKey trims q and collapses internal whitespace.
func NormalizeKey(q string) RunKey {
	return RunKey(strings.Join(strings.Fields(q), " "))
}

// Runner executes a single run.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunState, error)
}

// RunInfo describes an in-flight run.
type RunInfo struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Page        int       `json:"page"`
	TotalPages  int       `json:"total_pages"`
	Subscribers int       `json:"subscribers"`
	StartedAt   time.Time `json:"started_at"`
}

// Coordinator shares runs between subscribers: at most one run per key is in
// flight, and every subscriber attached to a key receives that run's events
// from the moment it attaches.
type Coordinator struct {
	runner  Runner
	source  scrape.Source
	ids     scrape.IDGenerator
	clock   scrape.Clock
	regOpts []registry.Option
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	runs     map[RunKey]*activeRun
	shutdown bool
}

// NewCoordinator builds a Coordinator whose runs fetch from source, with the
// query replaced by the run key. regOpts configure each run's registry.
func NewCoordinator(
	runner Runner,
	source scrape.Source,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	logger *zap.Logger,
	regOpts ...registry.Option,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		runner:  runner,
		source:  source,
		ids:     ids,
		clock:   clock,
		regOpts: regOpts,
		logger:  logger.Named("coordinator"),
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[RunKey]*activeRun),
	}
}

// KeyFor returns the run key for a requested query; an empty query selects
// the configured default.
func (c *Coordinator) KeyFor(q string) RunKey {
	if key := NormalizeKey(q); key != "" {
		return key
	}
	return NormalizeKey(c.source.Query)
}

// Attach registers sub with the in-flight run for key, starting a new run if
// none is active. The returned detach function unregisters sub and is safe to
// call more than once; the run continues regardless.
func (c *Coordinator) Attach(key RunKey, sub registry.Subscriber) (string, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return "", nil, ErrShuttingDown
	}

	ar, ok := c.runs[key]
	if !ok {
		id, err := c.ids.NewID()
		if err != nil {
			return "", nil, fmt.Errorf("new run id: %w", err)
		}
		opts := append([]registry.Option{registry.WithLogger(c.logger)}, c.regOpts...)
		ar = &activeRun{
			id:      id,
			key:     key,
			reg:     registry.New(opts...),
			started: c.clock.Now(),
			total:   c.source.Pages,
		}
		c.runs[key] = ar
	}
	ar.reg.Register(sub)

	if !ok {
		c.wg.Add(1)
		go c.execute(ar)
		c.logger.Info("run scheduled", zap.String("run_id", ar.id), zap.String("key", string(key)))
	} else {
		c.logger.Debug("subscriber joined run", zap.String("run_id", ar.id), zap.String("subscriber_id", sub.ID()))
	}

	var once sync.Once
	detach := func() {
		once.Do(func() { ar.reg.Unregister(sub.ID()) })
	}
	return ar.id, detach, nil
}

func (c *Coordinator) execute(ar *activeRun) {
	defer c.wg.Done()
	defer c.release(ar)

	source := c.source
	source.Query = string(ar.key)
	state, err := c.runner.Run(c.ctx, RunRequest{
		RunID:       ar.id,
		Key:         ar.key,
		Source:      source,
		Broadcaster: ar,
		Finished:    func() { c.release(ar) },
	})
	if err != nil {
		c.logger.Debug("run ended with error", zap.String("run_id", ar.id), zap.String("status", string(state.Status)), zap.Error(err))
	}
}

// release frees ar's key. It runs as soon as the run has sent its last event,
// so a later attach starts a fresh run instead of joining one that has
// nothing left to deliver.
func (c *Coordinator) release(ar *activeRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runs[ar.key] == ar {
		delete(c.runs, ar.key)
	}
}

// Active lists in-flight runs ordered by start time.
func (c *Coordinator) Active() []RunInfo {
	c.mu.Lock()
	out := make([]RunInfo, 0, len(c.runs))
	for _, ar := range c.runs {
		out = append(out, ar.info())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Wait blocks until every in-flight run has terminated or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}

// Shutdown refuses new attachments, cancels in-flight runs, and waits for
// them to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
	c.cancel()
	return c.Wait(ctx)
}

// activeRun is the Broadcaster handed to the orchestrator. It forwards to the
// run's registry and tracks the last reported page.
type activeRun struct {
	id      string
	key     RunKey
	reg     *registry.Registry
	started time.Time
	total   int
	page    atomic.Int64
}

func (a *activeRun) BroadcastProgress(ctx context.Context, current, total int) {
	a.page.Store(int64(current))
	a.reg.BroadcastProgress(ctx, current, total)
}

func (a *activeRun) BroadcastChunk(ctx context.Context, records []scrape.Record) {
	a.reg.BroadcastChunk(ctx, records)
}

func (a *activeRun) BroadcastError(ctx context.Context, message string) {
	a.reg.BroadcastError(ctx, message)
}

func (a *activeRun) info() RunInfo {
	return RunInfo{
		ID:          a.id,
		Key:         string(a.key),
		Page:        int(a.page.Load()),
		TotalPages:  a.total,
		Subscribers: a.reg.Len(),
		StartedAt:   a.started,
	}
}
