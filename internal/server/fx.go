// Package server builds the application from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/api"
	"github.com/JakeFAU/webimporter/internal/clock/system"
	"github.com/JakeFAU/webimporter/internal/committer"
	blevecommitter "github.com/JakeFAU/webimporter/internal/committer/bleve"
	blobcommitter "github.com/JakeFAU/webimporter/internal/committer/blob"
	escommitter "github.com/JakeFAU/webimporter/internal/committer/elasticsearch"
	fscommitter "github.com/JakeFAU/webimporter/internal/committer/fs"
	memorycommitter "github.com/JakeFAU/webimporter/internal/committer/memory"
	natscommitter "github.com/JakeFAU/webimporter/internal/committer/nats"
	pgcommitter "github.com/JakeFAU/webimporter/internal/committer/postgres"
	pubsubcommitter "github.com/JakeFAU/webimporter/internal/committer/pubsub"
	rediscommitter "github.com/JakeFAU/webimporter/internal/committer/redis"
	"github.com/JakeFAU/webimporter/internal/config"
	"github.com/JakeFAU/webimporter/internal/dispatcher"
	"github.com/JakeFAU/webimporter/internal/fetch"
	"github.com/JakeFAU/webimporter/internal/fetch/detector"
	"github.com/JakeFAU/webimporter/internal/fetch/file"
	"github.com/JakeFAU/webimporter/internal/fetch/headless"
	"github.com/JakeFAU/webimporter/internal/fetch/httpfetch"
	"github.com/JakeFAU/webimporter/internal/fetch/phantomjs"
	"github.com/JakeFAU/webimporter/internal/fetch/webdriver"
	"github.com/JakeFAU/webimporter/internal/handler/registry"
	"github.com/JakeFAU/webimporter/internal/hash/sha256"
	"github.com/JakeFAU/webimporter/internal/id/uuid"
	"github.com/JakeFAU/webimporter/internal/importer"
	"github.com/JakeFAU/webimporter/internal/jobs"
	"github.com/JakeFAU/webimporter/internal/logging"
	"github.com/JakeFAU/webimporter/internal/metrics"
	"github.com/JakeFAU/webimporter/internal/policy/ratelimit"
	"github.com/JakeFAU/webimporter/internal/policy/simple"
	"github.com/JakeFAU/webimporter/internal/progress"
	progresssinks "github.com/JakeFAU/webimporter/internal/progress/sinks"
	queueMemory "github.com/JakeFAU/webimporter/internal/queue/memory"
	"github.com/JakeFAU/webimporter/internal/scheduler"
	gcsstorage "github.com/JakeFAU/webimporter/internal/storage/gcs"
	localstorage "github.com/JakeFAU/webimporter/internal/storage/local"
	memoryStorage "github.com/JakeFAU/webimporter/internal/storage/memory"
	pgstore "github.com/JakeFAU/webimporter/internal/storage/postgres"
	"github.com/JakeFAU/webimporter/internal/telemetry"
	"github.com/JakeFAU/webimporter/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	idGen  jobs.IDGenerator
	clock  jobs.Clock
	hasher *sha256.Hasher

	jobStore    jobs.JobStore
	blobStore   jobs.BlobStore
	queue       *queueMemory.Queue
	committer   *committer.Batcher
	fetcher     *fetch.MultiFetcher
	browser     fetch.Fetcher
	closers     []fetch.Closer
	progressHub *progress.Hub
	workers     []*worker.Worker
	dispatch    *dispatcher.Dispatcher
	apiServer   *api.Server
	scheduler   *scheduler.Scheduler

	storage *storage.Client
	pool    *pgxpool.Pool
	tracer  *sdktrace.TracerProvider
}

// Options adjust Build for embedding and tests.
type Options struct {
	// Logger replaces the logger built from configuration.
	Logger *zap.Logger
	// Registerer receives the progress collectors. Nil uses the default
	// registry.
	Registerer prometheus.Registerer
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.Build(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		idGen:  uuid.New(),
		clock:  system.New(),
		hasher: sha256.New(),
	}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("job_store", cfg.Storage.Jobs),
		zap.String("blob_store", cfg.Storage.Blobs),
		zap.Strings("committers", cfg.Committers.Enabled()),
		zap.String("browser", cfg.Fetch.Browser.Kind),
	)

	steps := []func(context.Context) error{
		app.setupTracing,
		app.setupJobStore,
		app.setupBlobStore,
		app.setupCommitter,
		app.setupFetchers,
		func(ctx context.Context) error { return app.setupProgress(ctx, opts.Registerer) },
		app.setupWorkers,
		app.setupScheduler,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	app.apiServer = api.NewServer(
		app.jobStore,
		app.dispatch,
		app.idGen,
		app.clock,
		app.fetcher,
		cfg.APIConfig(),
		logger,
	)
	return app, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Fetcher returns the fetch chain used by workers for plain fetches.
func (a *App) Fetcher() fetch.Fetcher {
	return a.fetcher
}

// JobStore returns the configured job store.
func (a *App) JobStore() jobs.JobStore {
	return a.jobStore
}

// Import creates a job and processes it on the calling goroutine, bypassing
// the queue.
func (a *App) Import(ctx context.Context, params jobs.Parameters) (jobs.Job, error) {
	jobID, err := a.idGen.NewID()
	if err != nil {
		return jobs.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := a.clock.Now()
	if err := a.jobStore.CreateJob(ctx, jobs.Job{
		ID:         jobID,
		Status:     jobs.StatusQueued,
		Submitted:  now,
		Parameters: params,
	}); err != nil {
		return jobs.Job{}, fmt.Errorf("create job: %w", err)
	}
	a.workers[0].ProcessJob(ctx, jobs.QueueItem{
		JobID:     jobID,
		Params:    params,
		Attempt:   1,
		Submitted: now.Unix(),
	})
	job, err := a.jobStore.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

// Run serves the API, runs workers and the scheduler, and blocks until the
// context is canceled or SIGINT/SIGTERM arrives. Queued jobs drain during
// shutdown until the shutdown timeout, after which in-flight work is
// canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started", zap.Int("workers", len(a.workers)))
		a.dispatch.Run(workCtx)
	}()

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.apiServer.SetDraining(true)

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}

	a.queue.Close()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("shutdown timeout reached, canceling in-flight jobs", zap.Int("queued", a.queue.Len()))
		cancelWork()
		<-workersDone
	}

	return a.Close(context.WithoutCancel(shutdownCtx))
}

// Close flushes committers and progress, then releases clients and pools.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	if a.queue != nil {
		a.queue.Close()
	}
	if a.committer != nil {
		if err := a.committer.Close(ctx); err != nil {
			a.logger.Warn("committer close failed", zap.Error(err))
			result = multierror.Append(result, err)
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			result = multierror.Append(result, err)
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("fetcher close failed", zap.Error(err))
			result = multierror.Append(result, err)
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
			result = multierror.Append(result, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
			result = multierror.Append(result, err)
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return result.ErrorOrNil()
}

func (a *App) postgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := pgstore.NewPool(ctx, a.cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	return pool, nil
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	a.tracer = tp
	a.logger.Info("tracing enabled", zap.Bool("export", a.cfg.Tracing.ProjectID != ""))
	return nil
}

func (a *App) setupJobStore(ctx context.Context) error {
	if a.cfg.Storage.Jobs != config.BackendPostgres {
		a.logger.Info("using in-memory job store")
		a.jobStore = memoryStorage.NewJobStore()
		return nil
	}
	pool, err := a.postgresPool(ctx)
	if err != nil {
		return err
	}
	store, err := pgstore.NewJobStore(pool)
	if err != nil {
		return fmt.Errorf("job store init failed: %w", err)
	}
	if a.cfg.DB.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}
	a.logger.Info("using postgres job store")
	a.jobStore = store
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Blobs {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		a.storage, err = gcsstorage.NewClient(ctx, a.cfg.Storage.GCS)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobStore, err = gcsstorage.New(a.storage, a.cfg.Storage.GCS)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		a.blobStore, err = localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	case config.BackendNone:
		a.logger.Info("raw content storage disabled")
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobStore = memoryStorage.NewBlobStore()
	}
	return nil
}

//nolint:gocognit // one branch per committer kind
func (a *App) setupCommitter(ctx context.Context) error {
	cc := a.cfg.Committers
	var targets committer.Multi
	add := func(name string, c committer.Committer, err error) error {
		if err != nil {
			return fmt.Errorf("%s committer init failed: %w", name, err)
		}
		a.logger.Info("committer enabled", zap.String("committer", name))
		targets = append(targets, c)
		return nil
	}
	if cc.Memory {
		if err := add("memory", memorycommitter.New(), nil); err != nil {
			return err
		}
	}
	if cc.FS != nil {
		c, err := fscommitter.New(*cc.FS, a.logger)
		if err := add("fs", c, err); err != nil {
			return err
		}
	}
	if cc.Blob != nil {
		c, err := blobcommitter.New(a.blobStore, a.hasher, cc.Blob.Prefix)
		if err := add("blob", c, err); err != nil {
			return err
		}
	}
	if cc.Postgres != nil {
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return err
		}
		c, err := pgcommitter.NewWithDB(pool, cc.Postgres.Table)
		if err == nil && a.cfg.DB.Migrate {
			err = c.Migrate(ctx)
		}
		if err := add("postgres", c, err); err != nil {
			return err
		}
	}
	if cc.PubSub != nil {
		c, err := pubsubcommitter.New(ctx, *cc.PubSub)
		if err := add("pubsub", c, err); err != nil {
			return err
		}
	}
	if cc.Elasticsearch != nil {
		c, err := escommitter.New(*cc.Elasticsearch)
		if err := add("elasticsearch", c, err); err != nil {
			return err
		}
	}
	if cc.Bleve != nil {
		c, err := blevecommitter.New(*cc.Bleve)
		if err := add("bleve", c, err); err != nil {
			return err
		}
	}
	if cc.NATS != nil {
		c, err := natscommitter.New(*cc.NATS)
		if err := add("nats", c, err); err != nil {
			return err
		}
	}
	if cc.Redis != nil {
		c, err := rediscommitter.New(ctx, *cc.Redis)
		if err := add("redis", c, err); err != nil {
			return err
		}
	}
	if len(targets) == 0 {
		a.logger.Warn("no committers configured, accepted documents are only recorded")
		return nil
	}
	var target committer.Committer = targets
	if len(targets) == 1 {
		target = targets[0]
	}
	name := strings.Join(cc.Enabled(), "+")
	a.committer = committer.NewBatcher(name, target, cc.BatcherConfig, a.logger)
	return nil
}

func (a *App) setupFetchers(ctx context.Context) error {
	fc := a.cfg.Fetch
	var chain []fetch.Fetcher
	if fc.File.Enabled {
		chain = append(chain, file.New(fc.File.MaxBodySize, a.logger.Named("fetch.file")))
	}
	httpFetcher, err := httpfetch.New(fc.HTTP, a.logger.Named("fetch.http"))
	if err != nil {
		return fmt.Errorf("http fetcher init failed: %w", err)
	}
	chain = append(chain, httpFetcher)

	switch fc.Browser.Kind {
	case config.BrowserHeadless:
		f, err := headless.NewChromedp(fc.Browser.Headless, a.logger.Named("fetch.headless"))
		if err != nil {
			return fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.browser = f
		a.closers = append(a.closers, f)
	case config.BrowserWebDriver:
		f, err := webdriver.New(ctx, fc.Browser.WebDriver, a.logger.Named("fetch.webdriver"))
		if err != nil {
			return fmt.Errorf("webdriver fetcher init failed: %w", err)
		}
		a.browser = f
		a.closers = append(a.closers, f)
	case config.BrowserPhantomJS:
		f, err := phantomjs.New(ctx, fc.Browser.PhantomJS, httpFetcher, a.logger.Named("fetch.phantomjs"))
		if err != nil {
			return fmt.Errorf("phantomjs fetcher init failed: %w", err)
		}
		a.browser = f
		a.closers = append(a.closers, f)
	}
	if a.browser != nil {
		a.logger.Info("browser fetcher enabled", zap.String("fetcher", a.browser.Name()))
	}

	a.fetcher = fetch.NewMultiFetcher(chain,
		fetch.WithRetries(fc.Retries),
		fetch.WithRetryPolicy(fetch.NewExponentialRetryPolicy(fc.Retries+1, fc.RetryBaseDelay, fc.RetryMaxDelay)),
		fetch.WithLogger(a.logger.Named("fetch")),
	)
	a.closers = append(a.closers, a.fetcher)
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	pc := a.cfg.Progress
	var sinkList []progress.Sink
	if pc.Log {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if pc.Prometheus {
		sink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("progress prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if len(sinkList) == 0 {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	a.progressHub = progress.NewHub(progress.Config{
		Batch:       pc.Batch,
		SinkTimeout: pc.SinkTimeout,
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	return nil
}

func (a *App) setupWorkers(_ context.Context) error {
	reg := registry.New(registry.Deps{
		Logger: a.logger.Named("handler"),
		Clock:  a.clock,
		IDs:    a.idGen,
		Hasher: a.hasher,
	})
	pre, err := reg.BuildAll(a.cfg.Importer.PreParse)
	if err != nil {
		return fmt.Errorf("pre-parse handlers: %w", err)
	}
	post, err := reg.BuildAll(a.cfg.Importer.PostParse)
	if err != nil {
		return fmt.Errorf("post-parse handlers: %w", err)
	}
	parser, err := importer.NewParser(a.cfg.Importer.Parser)
	if err != nil {
		return fmt.Errorf("parser: %w", err)
	}
	imp := importer.New(pre, post, parser, a.logger)
	a.logger.Info("import pipeline built", zap.Int("pre_parse", len(pre)), zap.Int("post_parse", len(post)))

	a.queue = queueMemory.NewQueue(a.cfg.Worker.QueueDepth)
	deps := worker.Deps{
		Queue:    a.queue,
		Jobs:     a.jobStore,
		Importer: imp,
		Fetcher:  a.fetcher,
		Policy:   a.policy(),
		Hasher:   a.hasher,
		Clock:    a.clock,
		Logger:   a.logger,
	}
	if a.blobStore != nil {
		deps.Blobs = a.blobStore
	}
	if a.committer != nil {
		deps.Committer = a.committer
	}
	if a.browser != nil {
		deps.Browser = a.browser
		if a.cfg.Fetch.Browser.Promote {
			deps.Detector = detector.NewHeuristic(a.cfg.Fetch.Browser.MinTextLength, a.cfg.Fetch.Browser.ScriptShare)
		}
	}
	if a.progressHub != nil {
		deps.Progress = a.progressHub
	}

	runners := make([]dispatcher.Runner, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		w := worker.New(deps, a.cfg.Worker.Config)
		a.workers = append(a.workers, w)
		runners = append(runners, w)
	}
	a.dispatch = dispatcher.New(a.queue, runners)
	return nil
}

func (a *App) policy() jobs.Policy {
	rl := a.cfg.RateLimit
	if rl.DefaultRPS <= 0 && len(rl.Domains) == 0 && rl.MaxBrowserPerJob <= 0 {
		a.logger.Info("rate limiting disabled")
		return simple.New()
	}
	return ratelimit.New(rl)
}

func (a *App) setupScheduler(_ context.Context) error {
	if len(a.cfg.Schedules) == 0 {
		return nil
	}
	s, err := scheduler.New(a.cfg.Schedules, a.cfg.Templates, func(ctx context.Context, params jobs.Parameters) (string, error) {
		return api.SubmitJob(ctx, a.jobStore, a.dispatch, a.idGen, a.clock, params)
	}, a.logger)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	a.scheduler = s
	return nil
}
