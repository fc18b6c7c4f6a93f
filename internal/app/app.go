// Package app builds the scheduler and its collaborators from configuration and
// runs the admin HTTP server until the process is signalled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/api"
	"github.com/JakeFAU/scrape-scheduler/internal/browser"
	"github.com/JakeFAU/scrape-scheduler/internal/clock/system"
	"github.com/JakeFAU/scrape-scheduler/internal/config"
	"github.com/JakeFAU/scrape-scheduler/internal/extract"
	"github.com/JakeFAU/scrape-scheduler/internal/hash/sha256"
	"github.com/JakeFAU/scrape-scheduler/internal/id/uuid"
	"github.com/JakeFAU/scrape-scheduler/internal/logging"
	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-scheduler/internal/proxy"
	memorypublisher "github.com/JakeFAU/scrape-scheduler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-scheduler/internal/publisher/pubsub"
	"github.com/JakeFAU/scrape-scheduler/internal/results"
	"github.com/JakeFAU/scrape-scheduler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/scrape-scheduler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-scheduler/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrape-scheduler/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-scheduler/internal/storage/postgres"
)

const shutdownGrace = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	scheduler  *scheduler.Scheduler
	proxies    *proxy.Registry
	apiServer  *api.Server
	blobs      extract.BlobStore
	gcsStore   *gcsstorage.BlobStore
	executions *pgstore.ExecutionStore
	rateStore  *ratelimit.PostgresStore
	pubsub     *gcppublisher.Publisher

	closeOnce sync.Once
	closeErr  error
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger         *zap.Logger
	browserFactory browser.Factory
	prober         proxy.Prober
}

// WithLogger skips logger construction from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithBrowserFactory replaces the Chrome launcher.
func WithBrowserFactory(f browser.Factory) Option {
	return func(o *buildOptions) { o.browserFactory = f }
}

// WithProber replaces the colly proxy prober.
func WithProber(p proxy.Prober) Option {
	return func(o *buildOptions) { o.prober = p }
}

// Build creates the application's dependencies and schedules the configured
// tasks. On error everything built so far is released.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if closeErr := app.Close(context.Background()); closeErr != nil {
				logger.Warn("cleanup after failed build", zap.Error(closeErr))
			}
		}
	}()
	logger.Info("building application dependencies",
		zap.String("addr", cfg.Server.Addr),
		zap.Int("max_instances", cfg.Scheduler.MaxInstances),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("rate_limit_store", cfg.RateLimit.Store),
		zap.Bool("proxies", cfg.Proxy.Enabled),
	)

	if err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	var store results.Store
	if store, err = app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	var publisher results.Publisher
	if publisher, err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	var limiter *ratelimit.Limiter
	if limiter, err = app.setupRateLimiter(ctx); err != nil {
		return nil, err
	}

	factory := o.browserFactory
	if factory == nil {
		factory = browser.NewChromedpFactory(cfg.Browser.Chromedp)
	}
	browsers, err := browser.NewManager(cfg.Browser.Config, factory, logger.Named("browser"))
	if err != nil {
		return nil, fmt.Errorf("browser manager init failed: %w", err)
	}

	extractor, err := extract.NewSnapshotExtractor(cfg.Extract, app.blobs, sha256.New(), logger.Named("extract"))
	if err != nil {
		_ = browsers.Cleanup(ctx)
		return nil, fmt.Errorf("extractor init failed: %w", err)
	}

	deps := scheduler.Deps{
		Limiter:   limiter,
		Browsers:  browsers,
		Extractor: extractor,
		Sink:      results.NewFanout(store, publisher, cfg.PubSub.TopicID, cfg.PubSub.DeliverTimeout, logger.Named("results")),
		Clock:     system.New(),
		IDs:       uuid.New(),
		Logger:    logger.Named("scheduler"),
	}
	if cfg.Proxy.Enabled {
		if err = app.setupProxies(ctx, o.prober); err != nil {
			_ = browsers.Cleanup(ctx)
			return nil, err
		}
		deps.Proxies = app.proxies
	}

	app.scheduler, err = scheduler.New(cfg.SchedulerConfig(), deps)
	if err != nil {
		_ = browsers.Cleanup(ctx)
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	var snap api.ProxySnapshotter
	if app.proxies != nil {
		snap = app.proxies
	}
	app.apiServer = api.NewServer(app.scheduler, snap, cfg.Server, logger.Named("api"))

	for _, seed := range cfg.Tasks {
		if err = app.scheduler.Submit(seed.ID, seed.TaskConfig, nil); err != nil {
			return nil, fmt.Errorf("schedule task %s: %w", seed.ID, err)
		}
	}
	logger.Info("application built", zap.Int("seeded_tasks", len(cfg.Tasks)))
	return app, nil
}

// Scheduler exposes the task scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Handler is the admin HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// BlobStore is where snapshots are archived.
func (a *App) BlobStore() extract.BlobStore {
	return a.blobs
}

// Run serves the admin API and blocks until ctx is cancelled or the process
// receives SIGINT/SIGTERM, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	var errs error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	select {
	case err := <-serveErr:
		errs = multierr.Append(errs, err)
	default:
	}
	// the scheduler has its own shutdown timeout; give it a fresh context.
	return multierr.Append(errs, a.Close(context.Background()))
}

// Close stops the scheduler and releases every backend. Safe to call repeatedly.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs error
		if a.scheduler != nil {
			errs = multierr.Append(errs, a.scheduler.Cleanup(ctx))
		} else if a.proxies != nil {
			errs = multierr.Append(errs, a.proxies.Close())
		}
		if a.pubsub != nil {
			errs = multierr.Append(errs, a.pubsub.Close())
		}
		if a.gcsStore != nil {
			errs = multierr.Append(errs, a.gcsStore.Close())
		}
		a.executions.Close()
		if a.rateStore != nil {
			a.rateStore.Close()
		}
		if errs != nil {
			a.logger.Warn("shutdown finished with errors", zap.Error(errs))
		} else {
			a.logger.Info("shutdown complete")
		}
		_ = a.logger.Sync()
		a.closeErr = errs
	})
	return a.closeErr
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		store, err := gcsstorage.Open(ctx, a.cfg.Storage.GCS)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsStore = store
		a.blobs = store
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		store, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) (results.Store, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("No DSN specified for database, task results will not be stored")
		return nil, nil
	}
	store, err := pgstore.NewExecutionStore(ctx, a.cfg.Database.ExecutionStoreConfig)
	if err != nil {
		return nil, fmt.Errorf("execution store init failed: %w", err)
	}
	a.executions = store
	a.logger.Info("execution store initialized", zap.String("table", a.cfg.Database.Table))
	return store, nil
}

func (a *App) setupPublisher(ctx context.Context) (results.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.Config)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicID),
	)
	return pub, nil
}

func (a *App) setupRateLimiter(ctx context.Context) (*ratelimit.Limiter, error) {
	var store ratelimit.Store
	switch a.cfg.RateLimit.Store {
	case "postgres":
		pg, err := ratelimit.NewPostgresStore(ctx, ratelimit.PostgresStoreConfig{
			DSN:      a.cfg.Database.DSN,
			Table:    a.cfg.RateLimit.Table,
			MaxConns: a.cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("rate limit store init failed: %w", err)
		}
		a.rateStore = pg
		store = pg
	default:
		store = ratelimit.NewMemoryStore(nil)
	}
	limiter, err := ratelimit.New(a.cfg.RateLimit.LimiterConfig(), store, a.logger.Named("ratelimit"))
	if err != nil {
		return nil, fmt.Errorf("rate limiter init failed: %w", err)
	}
	a.logger.Info("rate limiter initialized",
		zap.String("store", a.cfg.RateLimit.Store),
		zap.Int("default_limit", a.cfg.RateLimit.Default.Limit),
		zap.Duration("window", a.cfg.RateLimit.Default.Window),
	)
	return limiter, nil
}

func (a *App) setupProxies(ctx context.Context, prober proxy.Prober) error {
	if prober == nil {
		colly, err := proxy.NewCollyProber(a.cfg.Proxy.Prober)
		if err != nil {
			return fmt.Errorf("proxy prober init failed: %w", err)
		}
		prober = colly
	}
	a.proxies = proxy.NewRegistry(a.cfg.Proxy.Config, a.logger.Named("proxy"),
		proxy.WithSource(proxy.NewStaticSource(a.cfg.Proxy.URLs)),
		proxy.WithProber(prober),
	)
	if err := a.proxies.Start(ctx); err != nil {
		// a partial fill still serves; the health loop keeps topping up.
		a.logger.Warn("proxy registry started degraded", zap.Error(err))
	}
	a.logger.Info("proxy registry initialized",
		zap.Int("configured", len(a.cfg.Proxy.URLs)),
		zap.Int("tracked", len(a.proxies.Snapshot())),
	)
	return nil
}
