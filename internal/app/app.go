package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/handlers"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/queue"
	"github.com/ternarybob/meta/internal/services/containers"
	"github.com/ternarybob/meta/internal/services/events"
	"github.com/ternarybob/meta/internal/services/jobs"
	"github.com/ternarybob/meta/internal/services/report"
	badgerstore "github.com/ternarybob/meta/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService interfaces.EventService

	// Job tracking and execution
	Dispatch        *queue.Dispatch
	Ledger          *queue.Ledger
	ContainerRunner interfaces.ContainerRunner
	Orchestrator    *queue.Orchestrator
	Sweeper         *queue.Sweeper
	ReportService   *report.Service
	JobService      *jobs.Service

	// HTTP handlers
	APIHandler *handlers.APIHandler
	JobHandler *handlers.JobHandler
	WSHandler  *handlers.WebSocketHandler
}

// New initializes the application. The container runner is built from
// config unless one is supplied.
func New(cfg *common.Config, logger arbor.ILogger, runner ...interfaces.ContainerRunner) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.EventService = events.NewService(app.Logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, app.Logger, &app.Config.WebSocket)

	if len(runner) > 0 && runner[0] != nil {
		app.ContainerRunner = runner[0]
	} else {
		app.ContainerRunner = containers.NewRunner(&app.Config.Containers, app.Logger)
	}

	if err := app.initServices(); err != nil {
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	logger.Info().
		Int("concurrency", cfg.Queue.Concurrency).
		Str("data_dir", cfg.Containers.DataDir).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens the badger store and loads the classifier catalog
func (a *App) initDatabase() error {
	storageManager, err := badgerstore.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	// Malformed catalog files are skipped, a missing catalog is not fatal
	if err := a.StorageManager.LoadClassifiersFromFiles(context.Background(), a.Config.Catalog.Dir); err != nil {
		a.Logger.Warn().Err(err).Str("dir", a.Config.Catalog.Dir).Msg("Failed to load classifier catalog")
	}

	return nil
}

// initServices wires the ledger, dispatch queue, orchestrator and sweeper
func (a *App) initServices() error {
	queueConfig := queue.ConfigFromApp(a.Config)

	a.Dispatch = queue.NewDispatch(a.StorageManager.DispatchStorage(), a.EventService, a.Logger)
	a.Ledger = queue.NewLedger(
		a.StorageManager.UserJobStorage(),
		a.StorageManager.SubJobStorage(),
		a.Dispatch,
		a.EventService,
		queueConfig,
		a.Logger,
	)
	a.Orchestrator = queue.NewOrchestrator(a.Ledger, a.StorageManager, a.ContainerRunner, queueConfig, a.Logger)
	a.Sweeper = queue.NewSweeper(a.Ledger, a.StorageManager.SubJobStorage(), a.Orchestrator, queueConfig, a.Logger)
	a.Logger.Debug().Int("concurrency", queueConfig.Concurrency).Msg("Job ledger and orchestrator initialized")

	// Pick up new work as soon as it is enqueued instead of waiting for the next poll
	if err := a.EventService.Subscribe(interfaces.EventSubJobEnqueued, func(ctx context.Context, event interfaces.Event) error {
		a.Orchestrator.Wake()
		return nil
	}); err != nil {
		return fmt.Errorf("failed to subscribe orchestrator to enqueue events: %w", err)
	}

	a.ReportService = report.NewService(a.Logger)
	a.JobService = jobs.NewService(a.Ledger, a.Dispatch, a.StorageManager, a.ReportService, a.Logger)
	a.Logger.Debug().Msg("Job service initialized")

	return nil
}

func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler(a.JobService, a.Orchestrator, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.Logger)

	if err := a.WSHandler.SubscribeToJobEvents(); err != nil {
		return fmt.Errorf("failed to subscribe websocket to job events: %w", err)
	}
	return nil
}

// Start recovers interrupted work, then starts the orchestrator and the sweeper
func (a *App) Start(ctx context.Context) error {
	if err := a.Ledger.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover job ledger: %w", err)
	}

	a.Orchestrator.Start()
	if err := a.Sweeper.Start(); err != nil {
		a.Orchestrator.Stop()
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	a.Logger.Info().Msg("Orchestrator and sweeper started")
	return nil
}

// Close stops background work and closes storage
func (a *App) Close() error {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
		a.Logger.Info().Msg("Sweeper stopped")
	}

	// In-flight containers are stopped and their jobs failed before storage closes
	if a.Orchestrator != nil {
		a.Orchestrator.Stop()
	}

	if a.WSHandler != nil {
		a.WSHandler.CloseAll()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}
