// Package app wires configuration, storage, sources and the sync engine
// into a running service.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/eutimioliusbel/pfasync/backend/internal/api"
	"github.com/eutimioliusbel/pfasync/backend/internal/archive"
	"github.com/eutimioliusbel/pfasync/backend/internal/config"
	"github.com/eutimioliusbel/pfasync/backend/internal/datasource"
	"github.com/eutimioliusbel/pfasync/backend/internal/db"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/mirror"
	"github.com/eutimioliusbel/pfasync/backend/internal/notify"
	"github.com/eutimioliusbel/pfasync/backend/internal/secrets"
	"github.com/eutimioliusbel/pfasync/backend/internal/source"
	syncpkg "github.com/eutimioliusbel/pfasync/backend/internal/sync"
	"github.com/eutimioliusbel/pfasync/backend/internal/sync/queue"
	"github.com/eutimioliusbel/pfasync/backend/internal/sync/scheduler"
)

// Deps overrides collaborators that normally come from the environment.
// Zero fields are built from configuration.
type Deps struct {
	Logger      *logging.Logger
	SecretStore secrets.Store
	// Connectors replace the HTTP connectors built from SOURCES, by id.
	Connectors map[string]source.Connector
}

// App is the assembled service.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	conn      *db.DB
	repo      *db.Repository
	secrets   *secrets.Provider
	archive   archive.Backend
	sources   *datasource.Orchestrator
	worker    *syncpkg.Worker
	queue     *queue.PushQueue
	scheduler *scheduler.Scheduler
	merge     *mirror.Engine
	hub       *notify.Hub
	server    *http.Server
	ownLogger bool
	closeOnce sync.Once
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.NewWithOptions(logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Fields:     map[string]interface{}{"app": cfg.AppName},
	})
}

// OpenStore opens and migrates the configured database.
func OpenStore(ctx context.Context, cfg *config.Config) (*db.DB, *db.Repository, error) {
	conn, err := db.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, db.NewRepository(conn), nil
}

// New assembles every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, deps Deps) (a *App, err error) {
	a = &App{cfg: cfg, logger: deps.Logger}
	if a.logger == nil {
		if a.logger, err = NewLogger(cfg); err != nil {
			return nil, err
		}
		a.ownLogger = true
	}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	if a.conn, a.repo, err = OpenStore(ctx, cfg); err != nil {
		return a, err
	}

	store := deps.SecretStore
	if store == nil {
		if store, err = secrets.NewAWSStore(ctx, cfg.Secrets.Region, cfg.Secrets.Endpoint); err != nil {
			return a, err
		}
	}
	a.secrets = secrets.NewProvider(store, secrets.Options{
		AppName:   cfg.AppName,
		TTL:       cfg.Secrets.CacheTTL,
		CacheSize: cfg.Secrets.CacheSize,
		Logger:    a.logger,
	})

	registry := source.NewRegistry()
	client := &http.Client{Timeout: 2 * cfg.Sync.ExternalTimeout}
	for id, baseURL := range cfg.Sources {
		registry.Register(id, source.NewHTTPConnector(baseURL, a.secrets, client))
	}
	for id, c := range deps.Connectors {
		registry.Register(id, c)
	}
	a.sources = datasource.New(a.repo, registry, a.logger)

	if a.archive, err = archive.New(ctx, cfg.Archive, a.logger); err != nil {
		return a, err
	}

	a.hub = notify.NewHub(notify.Options{
		AllowedOrigins: cfg.Notify.AllowedOrigins,
		SendBuffer:     cfg.Notify.SendBuffer,
		Logger:         a.logger,
	})

	a.worker = syncpkg.NewWorker(a.repo, a.sources, syncpkg.Options{
		Archive:    a.archive,
		Events:     a.hub,
		Normalizer: syncpkg.FieldNormalizer{IDField: cfg.Sync.IDField},
		Retry: syncpkg.RetryPolicy{
			MaxRetries: cfg.Sync.MaxRetries,
			BaseDelay:  cfg.Sync.BaseBackoff,
			MaxDelay:   cfg.Sync.MaxBackoff,
		},
		ExternalTimeout: cfg.Sync.ExternalTimeout,
		Logger:          a.logger,
	})

	a.queue = queue.NewPushQueue(cfg.Sync.QueueSize, a.logger)
	a.scheduler = scheduler.NewScheduler(a.worker, a.queue, a.pairings(), &scheduler.Config{
		Interval:              cfg.Sync.Interval,
		TickTimeout:           cfg.Sync.TickTimeout,
		MaxConcurrentPairings: cfg.Sync.MaxConcurrentPairings,
		StaleAfter:            cfg.Sync.StaleAfter,
	}, a.logger)

	a.merge = mirror.New(a.repo, a.queue, a.hub, a.logger)

	handler := api.NewServer(a.merge, a.scheduler, a.sources, a.hub, a.logger).Routes(notify.PathPrefix)
	a.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// pairings prefers the configured list and otherwise ticks every pairing
// that has mirror rows or mappings.
func (a *App) pairings() scheduler.PairingSource {
	static, _ := a.cfg.Pairings()
	if len(static) > 0 {
		return scheduler.StaticPairings(static...)
	}
	return a.repo.ListPairings
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Repository exposes the store for operator commands.
func (a *App) Repository() *db.Repository { return a.repo }

// Worker exposes the sync worker for operator commands.
func (a *App) Worker() *syncpkg.Worker { return a.worker }

// Sources exposes the orchestrator for operator commands.
func (a *App) Sources() *datasource.Orchestrator { return a.sources }

// Archive returns the archive backend, nil when archival is disabled.
func (a *App) Archive() archive.Backend { return a.archive }

// Logger returns the service logger.
func (a *App) Logger() *logging.Logger { return a.logger }

// Start runs the scheduler and the HTTP server. Serve errors are sent on
// the returned channel.
func (a *App) Start(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	a.scheduler.Start(ctx)

	go func() {
		a.logger.Info("HTTP server listening", map[string]interface{}{"addr": a.cfg.ListenAddr})
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Stop shuts the server down, waits for in-flight ticks and closes every
// resource.
func (a *App) Stop(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	a.scheduler.Stop()
	a.close()
	return err
}

func (a *App) close() {
	a.closeOnce.Do(a.release)
}

func (a *App) release() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn("failed to close archive backend", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.secrets != nil {
		a.secrets.Close()
	}
	if a.repo != nil {
		a.repo.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
	if a.ownLogger {
		a.logger.Close()
	}
}
