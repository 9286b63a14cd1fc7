// The main package for the cafedir crawl service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cafedir/crawler/internal/api"
	"github.com/cafedir/crawler/internal/clock/system"
	"github.com/cafedir/crawler/internal/config"
	"github.com/cafedir/crawler/internal/directory"
	"github.com/cafedir/crawler/internal/id/uuid"
	"github.com/cafedir/crawler/internal/logging"
	"github.com/cafedir/crawler/internal/photos"
	gcppublisher "github.com/cafedir/crawler/internal/publisher/pubsub"
	"github.com/cafedir/crawler/internal/reconcile"
	"github.com/cafedir/crawler/internal/render"
	"github.com/cafedir/crawler/internal/scheduler"
	"github.com/cafedir/crawler/internal/source/collectionapi"
	"github.com/cafedir/crawler/internal/source/mapsearch"
	"github.com/cafedir/crawler/internal/source/website"
	memorystore "github.com/cafedir/crawler/internal/store/memory"
	pgstore "github.com/cafedir/crawler/internal/store/postgres"
)

// app bundles the service's long-lived dependencies.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	pool         *pgxpool.Pool
	pubsubClient *pubsub.Client
	gcsClient    *storage.Client
	renderer     *render.Renderer

	sched     *scheduler.Scheduler
	apiServer *api.Server
}

func main() {
	cfgPath := flag.String("config", "", "path to a config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		os.Exit(1)
	}

	if err := a.run(ctx); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// build wires storage, adapters, the reconciler and the scheduler from
// configuration. An empty db.dsn selects the in-memory stores, which is the
// development mode.
func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var (
		stores  directory.Stores
		targets directory.TargetStore
		history directory.HistoryStore
	)
	if cfg.DB.DSN != "" {
		pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
			MinConns: int32(cfg.DB.MinIdleConns),
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.pool = pool
		stores = pgstore.NewStores(pool)
		targets = pgstore.NewTargetStore(pool)
		history = pgstore.NewHistoryStore(pool)
		logger.Info("using postgres stores")
	} else {
		mem := memorystore.NewStores()
		stores = mem
		targets = memorystore.NewTargetStore()
		history = memorystore.NewHistoryStore()
		logger.Warn("db.dsn not set, using in-memory stores")
	}

	mirror, err := a.buildPhotoMirror(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	adapters, err := a.buildAdapters()
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.NewUUIDGenerator()
	retry := directory.NewRetryPolicy(
		cfg.Retry.MaxAttempts,
		cfg.Retry.BaseDelay(),
		cfg.Retry.Multiplier,
		cfg.Retry.MaxDelay(),
	)
	reconciler := reconcile.New(stores, mirror, clock, ids, logger.Named("reconcile"))

	a.sched = scheduler.New(
		targets,
		history,
		adapters,
		reconciler,
		retry,
		clock,
		ids,
		publisher,
		scheduler.Config{
			BatchSize:         cfg.Scheduler.BatchSize,
			IdleInterval:      cfg.Scheduler.IdleInterval(),
			PacingDelay:       cfg.Scheduler.PacingDelay(),
			DefaultMaxResults: cfg.Crawl.MaxResultsDefault,
			EventTopic:        cfg.Events.Topic,
		},
		logger.Named("scheduler"),
	)

	a.apiServer = api.NewServer(a.sched, a.ready, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	})
	return a, nil
}

func (a *app) buildPhotoMirror(ctx context.Context) (directory.PhotoMirror, error) {
	if !a.cfg.Photos.Enabled {
		return nil, nil
	}
	var blobs photos.BlobStore
	switch a.cfg.Photos.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		store, err := photos.NewGCSStore(client, a.cfg.Photos.GCSBucket)
		if err != nil {
			return nil, err
		}
		blobs = store
	case "local":
		store, err := photos.NewLocalStore(a.cfg.Photos.LocalDir)
		if err != nil {
			return nil, err
		}
		blobs = store
	default:
		blobs = photos.NewMemoryStore()
	}
	return photos.NewMirror(blobs, nil, a.logger.Named("photos")), nil
}

// buildPublisher returns nil when events are disabled; the scheduler treats
// a nil publisher as "no events". A memory publisher here would accumulate
// every crawl event for the life of the process.
func (a *app) buildPublisher(ctx context.Context) (directory.Publisher, error) {
	if !a.cfg.Events.Enabled {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.Events.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.pubsubClient = client
	return gcppublisher.New(client.Publisher(a.cfg.Events.Topic)), nil
}

// buildAdapters constructs one adapter per configured source. The headless
// renderer is shared between map search and website promotion.
func (a *app) buildAdapters() ([]directory.SourceAdapter, error) {
	src := a.cfg.Sources

	needsRenderer := src.MapSearch.BaseURL != "" || src.Website.HeadlessEnabled
	if needsRenderer {
		renderer, err := render.New(render.Config{
			MaxParallel:       src.MapSearch.MaxParallel,
			UserAgent:         src.MapSearch.UserAgent,
			NavigationTimeout: time.Duration(src.MapSearch.NavTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("start headless renderer: %w", err)
		}
		a.renderer = renderer
	}

	retry := directory.NewRetryPolicy(
		a.cfg.Retry.MaxAttempts,
		a.cfg.Retry.BaseDelay(),
		a.cfg.Retry.Multiplier,
		a.cfg.Retry.MaxDelay(),
	)

	var adapters []directory.SourceAdapter
	if src.MapSearch.BaseURL != "" {
		client := mapsearch.NewBrowserClient(a.renderer, src.MapSearch.BaseURL)
		adapters = append(adapters, mapsearch.New(client, retry, mapsearch.Config{
			QueriesPerSecond: src.MapSearch.QueriesPerSecond,
			QueryRetries:     src.MapSearch.QueryRetries,
		}, a.logger.Named("mapsearch")))
	}
	if src.CollectionAPI.BaseURL != "" {
		adapters = append(adapters, collectionapi.New(nil, retry, collectionapi.Config{
			BaseURL: src.CollectionAPI.BaseURL,
			APIKey:  src.CollectionAPI.APIKey,
			Timeout: time.Duration(src.CollectionAPI.TimeoutSeconds) * time.Second,
		}, a.logger.Named("collectionapi")))
	}

	var siteRenderer website.Renderer
	if src.Website.HeadlessEnabled && a.renderer != nil {
		siteRenderer = a.renderer
	}
	adapters = append(adapters, website.New(siteRenderer, website.Config{
		UserAgent:        src.Website.UserAgent,
		Timeout:          time.Duration(src.Website.TimeoutSeconds) * time.Second,
		PromoteThreshold: src.Website.PromoteThreshold,
	}, a.logger.Named("website")))

	return adapters, nil
}

// ready reports readiness for /readyz. With in-memory stores there is no
// downstream to probe.
func (a *app) ready(ctx context.Context) error {
	if a.pool != nil {
		return a.pool.Ping(ctx)
	}
	return nil
}

// run starts the crawl loop and the HTTP server, then blocks until the
// context is canceled.
func (a *app) run(ctx context.Context) error {
	if a.cfg.Scheduler.Enabled {
		go func() {
			a.logger.Info("crawl loop started")
			a.sched.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.close(context.Background())
		return fmt.Errorf("http server: %w", err)
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.close(shutdownCtx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *app) close(_ context.Context) {
	a.sched.Stop()
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close error", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close error", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
