// Package app builds the long-lived services from configuration and runs
// them: the HTTP and websocket server for `serve`, or a single run for
// `scrape`.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/api"
	"github.com/JakeFAU/listing-stream/internal/clock/system"
	"github.com/JakeFAU/listing-stream/internal/config"
	collyfetcher "github.com/JakeFAU/listing-stream/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/listing-stream/internal/fetcher/headless"
	"github.com/JakeFAU/listing-stream/internal/fetcher/promote"
	"github.com/JakeFAU/listing-stream/internal/headless/detector"
	"github.com/JakeFAU/listing-stream/internal/id/uuid"
	"github.com/JakeFAU/listing-stream/internal/parser"
	"github.com/JakeFAU/listing-stream/internal/pipeline"
	"github.com/JakeFAU/listing-stream/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-stream/internal/progress"
	"github.com/JakeFAU/listing-stream/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/listing-stream/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-stream/internal/registry"
	"github.com/JakeFAU/listing-stream/internal/scrape"
	"github.com/JakeFAU/listing-stream/internal/storage"
	"github.com/JakeFAU/listing-stream/internal/storage/postgres"
	"github.com/JakeFAU/listing-stream/internal/store"
)

const (
	readHeaderTimeout      = 5 * time.Second
	defaultShutdownTimeout = 15 * time.Second
)

// Option customizes App construction.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer registers run collectors against reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// App holds every long-lived service.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	clock        scrape.Clock
	ids          scrape.IDGenerator
	hub          *progress.Hub
	orchestrator *pipeline.Orchestrator
	coordinator  *pipeline.Coordinator
	server       *api.Server
	archive      *storage.Archive
	runs         store.RunRepository

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// New builds the services described by cfg. On error every resource opened
// so far is released.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	fetcher, err := a.buildFetcher()
	if err != nil {
		return nil, err
	}

	var archiver pipeline.PageArchiver
	if cfg.Archive.Enabled {
		blobs, closeBlobs, openErr := storage.OpenBlobStore(ctx, storage.Config{
			Backend:   cfg.Archive.Backend,
			Dir:       cfg.Archive.Dir,
			GCSBucket: cfg.Archive.GCSBucket,
			Prefix:    cfg.Archive.Prefix,
		})
		if openErr != nil {
			return nil, fmt.Errorf("open archive: %w", openErr)
		}
		a.closers = append(a.closers, namedCloser{"archive", closeBlobs})
		a.archive = storage.NewArchive(blobs, cfg.Archive.Prefix, logger)
		archiver = a.archive
		logger.Info("page archive enabled", zap.String("backend", cfg.Archive.Backend))
	}

	runSinks, err := a.buildSinks(ctx, o.registerer)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger}, runSinks...)

	a.orchestrator = pipeline.New(
		fetcher,
		parser.New(parser.Config{SearchURLTemplate: cfg.Parser.SearchURLTemplate}),
		ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}),
		a.clock,
		a.hub,
		archiver,
		pipeline.Config{
			ChunkSize:  cfg.Pipeline.ChunkSize,
			PageDelay:  cfg.Pipeline.PageDelay,
			ChunkDelay: cfg.Pipeline.ChunkDelay,
		},
		logger,
	)
	a.coordinator = pipeline.NewCoordinator(
		a.orchestrator,
		a.source(),
		a.ids,
		a.clock,
		logger,
		registry.WithSendTimeout(cfg.Pipeline.SendTimeout),
	)
	a.server = api.NewServer(a.coordinator, a.runs, api.Config{
		OutboxSize:   cfg.Pipeline.OutboxSize,
		WriteTimeout: cfg.Pipeline.SendTimeout,
	}, logger)

	logger.Info("application services initialized",
		zap.String("fetcher", cfg.Fetcher.Mode),
		zap.Bool("run_store", a.runs != nil),
		zap.Bool("publisher", cfg.PubSub.ProjectID != ""),
	)
	return a, nil
}

func (a *App) buildFetcher() (scrape.Fetcher, error) {
	fast := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Fetcher.UserAgent,
		Timeout:   a.cfg.Fetcher.Timeout,
	})
	switch a.cfg.Fetcher.Mode {
	case config.FetcherColly, "":
		return fast, nil
	case config.FetcherHeadless:
		return a.buildHeadless()
	case config.FetcherAuto:
		headless, err := a.buildHeadless()
		if err != nil {
			return nil, err
		}
		return promote.New(
			fast,
			headless,
			detector.NewHeuristic(a.cfg.Fetcher.PromoteThreshold),
			detector.ShouldPromoteStatus,
			a.logger,
		), nil
	default:
		return nil, fmt.Errorf("unknown fetcher mode %q", a.cfg.Fetcher.Mode)
	}
}

func (a *App) buildHeadless() (*headlessfetcher.Fetcher, error) {
	f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Fetcher.HeadlessMaxParallel,
		UserAgent:         a.cfg.Fetcher.UserAgent,
		NavigationTimeout: a.cfg.Fetcher.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init headless fetcher: %w", err)
	}
	a.closers = append(a.closers, namedCloser{"headless fetcher", func() error {
		f.Close()
		return nil
	}})
	return f, nil
}

func (a *App) buildSinks(ctx context.Context, reg prometheus.Registerer) ([]progress.Sink, error) {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	out := []progress.Sink{sinks.NewLogSink(a.logger), promSink}

	if a.cfg.DB.DSN != "" {
		runStore, err := postgres.NewRunStore(ctx, postgres.Config{
			DSN:      a.cfg.DB.DSN,
			Table:    a.cfg.DB.Table,
			MaxConns: a.cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init run store: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"run store", func() error {
			runStore.Close()
			return nil
		}})
		if err := runStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate run store: %w", err)
		}
		a.runs = runStore
		out = append(out, sinks.NewStoreSink(runStore, a.logger))
	}

	if a.cfg.PubSub.ProjectID != "" {
		pub, err := pubsubpublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"pubsub publisher", pub.Close})
		out = append(out, sinks.NewPublisherSink(pub, a.cfg.PubSub.TopicName, a.logger))
	}
	return out, nil
}

func (a *App) source() scrape.Source {
	return scrape.Source{
		BaseURL:  a.cfg.Source.BaseURL,
		Filter:   a.cfg.Source.Filter,
		Category: a.cfg.Source.Category,
		Query:    a.cfg.Source.Query,
		Pages:    a.cfg.Source.Pages,
	}
}

// Handler returns the HTTP handler serving the API and websocket routes.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Serve listens on the configured port until ctx ends, then drains: the
// readiness probe fails, new requests stop, in-flight runs are cancelled,
// and open websockets receive their final event before closing.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serveErr:
		listenErr = fmt.Errorf("http server: %w", err)
	}

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	a.server.SetReady(false)
	var errs []error
	if listenErr != nil {
		errs = append(errs, listenErr)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.coordinator.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop runs: %w", err))
	}
	a.server.CloseStreams()
	a.logger.Info("http server stopped")
	return errors.Join(errs...)
}

// RunOnce executes a single run for query, or the configured query when
// empty, writing each record to out as a JSON line once the run completes.
// Progress is logged.
func (a *App) RunOnce(ctx context.Context, query string, out io.Writer) (pipeline.RunState, error) {
	runID, err := a.ids.NewID()
	if err != nil {
		return pipeline.RunState{Status: pipeline.StatusFailed}, fmt.Errorf("new run id: %w", err)
	}
	key := a.coordinator.KeyFor(query)
	src := a.source()
	src.Query = string(key)

	enc := json.NewEncoder(out)
	var writeErr error
	reg := registry.New(registry.WithLogger(a.logger))
	reg.Register(registry.Func("stdout", func(_ context.Context, evt scrape.Event) error {
		switch evt.Kind {
		case scrape.KindProgress:
			a.logger.Info("page fetched", zap.Int("current", evt.Current), zap.Int("total", evt.Total))
		case scrape.KindComplete:
			for _, rec := range evt.Data {
				if err := enc.Encode(rec); err != nil {
					writeErr = fmt.Errorf("write record: %w", err)
					return writeErr
				}
			}
		case scrape.KindError:
			a.logger.Error("run failed", zap.String("message", evt.Message))
		}
		return nil
	}))

	state, err := a.orchestrator.Run(ctx, pipeline.RunRequest{
		RunID:       runID,
		Key:         key,
		Source:      src,
		Broadcaster: reg,
	})
	if err != nil {
		return state, fmt.Errorf("run %s: %w", runID, err)
	}
	return state, writeErr
}

// Close stops runs, flushes run telemetry, and releases backends.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.coordinator != nil {
		if err := a.coordinator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop runs: %w", err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if err := a.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release closes backends in reverse order of construction.
func (a *App) release() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
