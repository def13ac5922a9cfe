// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/alert"
	"github.com/JakeFAU/trafficpacer/internal/api"
	"github.com/JakeFAU/trafficpacer/internal/clock/system"
	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/dispatcher"
	"github.com/JakeFAU/trafficpacer/internal/executor"
	"github.com/JakeFAU/trafficpacer/internal/failure"
	collyfetcher "github.com/JakeFAU/trafficpacer/internal/fetcher/colly"
	"github.com/JakeFAU/trafficpacer/internal/id/uuid"
	"github.com/JakeFAU/trafficpacer/internal/logging"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
	"github.com/JakeFAU/trafficpacer/internal/plan"
	"github.com/JakeFAU/trafficpacer/internal/proxy"
	gcppublisher "github.com/JakeFAU/trafficpacer/internal/publisher/pubsub"
	"github.com/JakeFAU/trafficpacer/internal/recovery"
	gcsstorage "github.com/JakeFAU/trafficpacer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/trafficpacer/internal/storage/local"
	memorystorage "github.com/JakeFAU/trafficpacer/internal/storage/memory"
	pgstore "github.com/JakeFAU/trafficpacer/internal/storage/postgres"
	"github.com/JakeFAU/trafficpacer/internal/tick"
)

// App contains the application's dependencies.
type App struct {
	Source     *config.Source
	Logger     *zap.Logger
	Driver     *tick.Driver
	Dispatcher *dispatcher.Dispatcher
	Recovery   *recovery.Service
	Executor   *executor.Executor
	API        *api.Server

	cancel    context.CancelFunc
	runners   *executor.Runners
	fetcher   *collyfetcher.Fetcher
	pg        *pgstore.Store
	gcs       *storage.Client
	publisher *gcppublisher.Publisher
}

// Build loads the configuration at cfgPath and wires every component. Work
// dispatched by the returned App runs until Close.
func Build(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	source := config.NewSource(cfgPath, logger)
	snap, err := source.Snapshot()
	if err != nil {
		return nil, err
	}
	source.Watch()

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app := &App{Source: source, Logger: logger, cancel: cancel}
	if err := app.wire(ctx, base, snap); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx, base context.Context, snap *config.Snapshot) error {
	a.Logger.Info("building application dependencies",
		zap.String("backend", snap.Storage.Backend),
		zap.String("instance", snap.Engine.InstanceName),
		zap.String("timezone", snap.Engine.Timezone),
	)
	clock := system.New()
	ids := uuid.New()

	stores, failures, ready, err := a.setupStores(ctx, snap)
	if err != nil {
		return err
	}
	blobs, err := a.setupBlobs(ctx, snap)
	if err != nil {
		return err
	}
	alerter, err := a.setupAlerts(ctx, snap)
	if err != nil {
		return err
	}

	selector := proxy.NewSelector(a.Logger)
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent: snap.Engine.UserAgent,
		Timeout:   snap.Engine.VisitTimeout,
	})
	a.runners = executor.NewRunners()
	a.Executor = executor.New(a.fetcher, a.runners, selector, clock, a.Logger, executor.Options{Blobs: blobs, IDs: ids})

	tracker := failure.New(failures, ids, clock, a.Executor, a.Logger)
	planner := plan.NewService(stores.Tasks, stores.Plans, clock, ids, nil, a.Logger)
	a.Dispatcher = dispatcher.New(base, a.Executor, tracker, clock, ids, alerter, a.Logger, tracker)
	a.Dispatcher.Configure(snap)
	a.Driver = tick.New(base, a.Source, stores, planner, a.Dispatcher, clock, a.Logger, tick.Options{Alerter: alerter})
	a.Recovery = recovery.New(stores, planner, clock, a.Logger)
	a.API = api.NewServer(api.Deps{
		Config:    a.Source,
		Tasks:     planner,
		Failures:  tracker,
		Diagnoser: a.Executor,
		Proxies:   selector,
		Ticker:    a.Driver,
		Ready:     ready,
	}, snap.Auth, a.Logger)
	return nil
}

func (a *App) setupStores(ctx context.Context, snap *config.Snapshot) (tick.Stores, pacer.FailureStore, func(context.Context) error, error) {
	if snap.Storage.Backend != "postgres" {
		a.Logger.Warn("using in-memory stores; plans and progress are lost on restart")
		store := memorystorage.NewStore()
		return tick.Stores{Tasks: store, Plans: store, Attempts: store, Leases: store}, store, nil, nil
	}
	store, err := pgstore.Open(ctx, snap.Database)
	if err != nil {
		return tick.Stores{}, nil, nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pg = store
	a.Logger.Info("postgres store initialized", zap.Int32("max_conns", snap.Database.MaxConns), zap.Bool("migrate", snap.Database.Migrate))
	return tick.Stores{Tasks: store, Plans: store, Attempts: store, Leases: store}, store, store.Ping, nil
}

func (a *App) setupBlobs(ctx context.Context, snap *config.Snapshot) (pacer.BlobStore, error) {
	switch {
	case snap.Storage.GCSBucket != "":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: snap.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.Logger.Info("archiving diagnostics to GCS", zap.String("bucket", snap.Storage.GCSBucket))
		return blobs, nil
	case snap.Storage.LocalDir != "":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: snap.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.Logger.Info("archiving diagnostics to local disk", zap.String("path", snap.Storage.LocalDir))
		return blobs, nil
	default:
		a.Logger.Debug("archiving diagnostics in memory")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupAlerts(ctx context.Context, snap *config.Snapshot) (pacer.Alerter, error) {
	fan := alert.Fanout{alert.NewLogger(a.Logger)}
	if snap.Alerts.ProjectID == "" || snap.Alerts.TopicName == "" {
		a.Logger.Info("no Pub/Sub topic configured, alerts go to the log only")
		return fan, nil
	}
	publisher, err := gcppublisher.New(ctx, snap.Alerts.ProjectID, snap.Alerts.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = publisher
	a.Logger.Info("Pub/Sub alert publisher initialized",
		zap.String("project", snap.Alerts.ProjectID),
		zap.String("topic", snap.Alerts.TopicName),
	)
	return append(fan, alert.NewTopic(publisher)), nil
}

// Serve runs the API on port until ctx is canceled, then shuts it down.
func (a *App) Serve(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.Logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// Drain waits for dispatched visits and their commits to finish.
func (a *App) Drain(ctx context.Context) error {
	if a.Driver != nil {
		if err := a.Driver.Drain(ctx); err != nil {
			return err
		}
	}
	if a.Dispatcher != nil {
		return a.Dispatcher.Drain(ctx)
	}
	return nil
}

// Close aborts remaining work and releases every client.
func (a *App) Close() {
	a.cancel()
	if a.runners != nil {
		a.runners.Close()
	}
	if a.fetcher != nil {
		a.fetcher.CloseIdle()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.Logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.Logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	a.Logger.Info("shutdown complete")
	_ = a.Logger.Sync()
}
