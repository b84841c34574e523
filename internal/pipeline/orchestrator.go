package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/progress"
	"github.com/JakeFAU/listing-stream/internal/scrape"
)

// DefaultChunkSize is the number of records per complete event.
const DefaultChunkSize = 10

// Config controls run pacing and chunking.
type Config struct {
	ChunkSize  int
	PageDelay  time.Duration
	ChunkDelay time.Duration
}

// PageArchiver stores raw page bodies. Implementations must not fail the run.
type PageArchiver interface {
	PutPage(ctx context.Context, runID string, page int, body []byte) string
}

// RunRequest describes one run.
type RunRequest struct {
	RunID       string
	Key         RunKey
	Source      scrape.Source
	Broadcaster scrape.Broadcaster
	// Finished, when set, is called once the run has broadcast its last
	// event. Trailing pacing may still follow.
	Finished func()
}

// Orchestrator executes runs: fetch and parse every page in order, report
// progress after each, then deliver the records in chunks.
type Orchestrator struct {
	fetcher scrape.Fetcher
	parser  scrape.Parser
	limiter scrape.Limiter
	clock   scrape.Clock
	emitter progress.Emitter
	archive PageArchiver
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Orchestrator. limiter and archive may be nil; a nil
// emitter discards run events.
func New(
	fetcher scrape.Fetcher,
	parser scrape.Parser,
	limiter scrape.Limiter,
	clock scrape.Clock,
	emitter progress.Emitter,
	archive PageArchiver,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	if cfg.ChunkDelay < 0 {
		cfg.ChunkDelay = 0
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		fetcher: fetcher,
		parser:  parser,
		limiter: limiter,
		clock:   clock,
		emitter: emitter,
		archive: archive,
		cfg:     cfg,
		logger:  logger.Named("pipeline"),
	}
}

// Run executes req to completion. On failure it broadcasts exactly one error
// event, discards accumulated records, and returns the cause. Cancelling ctx
// aborts the current fetch or pacing wait and fails the run.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (RunState, error) {
	state := RunState{TotalPages: max(req.Source.Pages, 0), Status: StatusRunning}
	r := &run{
		o:       o,
		req:     req,
		runUUID: toUUID(req.RunID),
		started: o.clock.Now(),
		logger:  o.logger.With(zap.String("run_id", req.RunID), zap.String("key", string(req.Key))),
	}
	r.emit(progress.Event{Stage: progress.StageRunStart, TotalPages: state.TotalPages})
	r.logger.Info("run started", zap.Int("total_pages", state.TotalPages))

	for page := 1; page <= state.TotalPages; page++ {
		records, err := r.page(ctx, page, state.TotalPages)
		if err != nil {
			return r.fail(ctx, state, err)
		}
		state.Accumulated = append(state.Accumulated, records...)
		state.CurrentPage = page
		req.Broadcaster.BroadcastProgress(ctx, page, state.TotalPages)
		if page == state.TotalPages && len(state.Accumulated) == 0 {
			r.finish()
		}

		if err := o.clock.Sleep(ctx, o.cfg.PageDelay); err != nil {
			return r.fail(ctx, state, err)
		}
	}

	for start := 0; start < len(state.Accumulated); start += o.cfg.ChunkSize {
		end := min(start+o.cfg.ChunkSize, len(state.Accumulated))
		req.Broadcaster.BroadcastChunk(ctx, state.Accumulated[start:end])
		if end == len(state.Accumulated) {
			r.finish()
			break
		}
		if err := o.clock.Sleep(ctx, o.cfg.ChunkDelay); err != nil {
			return r.fail(ctx, state, err)
		}
	}

	r.finish()
	state.Status = StatusCompleted
	dur := o.clock.Now().Sub(r.started)
	r.emit(progress.Event{
		Stage:      progress.StageRunDone,
		Page:       state.CurrentPage,
		TotalPages: state.TotalPages,
		Records:    len(state.Accumulated),
		Dur:        dur,
	})
	r.logger.Info("run completed",
		zap.Int("pages", state.CurrentPage),
		zap.Int("records", len(state.Accumulated)),
		zap.Duration("dur", dur),
	)
	return state, nil
}

// run carries the per-run values shared by the helpers below.
type run struct {
	o       *Orchestrator
	req     RunRequest
	runUUID uuid.UUID
	started time.Time
	logger  *zap.Logger
	done    bool
}

func (r *run) finish() {
	if r.done {
		return
	}
	r.done = true
	if r.req.Finished != nil {
		r.req.Finished()
	}
}

func (r *run) page(ctx context.Context, page, total int) ([]scrape.Record, error) {
	target, query := r.req.Source.PageTarget(page)
	if r.o.limiter != nil {
		if err := r.o.limiter.Wait(ctx, target); err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
	}

	resp, err := r.o.fetcher.Fetch(ctx, scrape.FetchRequest{
		RunID: r.req.RunID,
		Page:  page,
		URL:   target,
		Query: query,
	})
	if err != nil {
		return nil, err
	}
	if r.o.archive != nil {
		r.o.archive.PutPage(ctx, r.req.RunID, page, resp.Body)
	}

	pageURL := resp.URL
	if pageURL == "" {
		pageURL = target
	}
	records, err := r.o.parser.Parse(resp.Body, pageURL)
	if err != nil {
		var pe *scrape.ParseError
		if errors.As(err, &pe) {
			pe.Page = page
		}
		return nil, err
	}

	r.emit(progress.Event{
		Stage:       progress.StagePageDone,
		Page:        page,
		TotalPages:  total,
		Records:     len(records),
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	r.logger.Debug("page parsed", zap.Int("page", page), zap.Int("records", len(records)))
	return records, nil
}

// fail moves state to Failed and reports err to subscribers. The error event
// is delivered even when ctx is already cancelled.
func (r *run) fail(ctx context.Context, state RunState, err error) (RunState, error) {
	state.Status = StatusFailed
	state.Accumulated = nil
	r.req.Broadcaster.BroadcastError(context.WithoutCancel(ctx), err.Error())
	r.finish()
	r.emit(progress.Event{
		Stage:      progress.StageRunError,
		Page:       state.CurrentPage,
		TotalPages: state.TotalPages,
		Dur:        r.o.clock.Now().Sub(r.started),
		Note:       err.Error(),
	})
	r.logger.Warn("run failed", zap.Int("page", state.CurrentPage+1), zap.Error(err))
	return state, err
}

func (r *run) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(r.runUUID)
	evt.TS = r.o.clock.Now()
	evt.Key = string(r.req.Key)
	if evt.Dur < 0 {
		evt.Dur = 0
	}
	r.o.emitter.Emit(evt)
}

// toUUID maps run ids onto UUIDs for telemetry; ids that are not UUIDs get a
// stable name-based UUID.
func toUUID(id string) uuid.UUID {
	if u, err := uuid.Parse(id); err == nil {
		return u
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("listing-run:"+id))
}
