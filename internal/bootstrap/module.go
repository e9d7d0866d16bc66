package bootstrap

import (
	"context"
	"log/slog"
	"path/filepath"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"scanhub/internal/bootstrap/config"
	"scanhub/internal/bootstrap/database"
	"scanhub/internal/bootstrap/logging"
	"scanhub/internal/infrastructure/events"
	sqliterepo "scanhub/internal/infrastructure/persistence/sqlite/repository"
	sqliteuow "scanhub/internal/infrastructure/persistence/sqlite/uow"
	localstorage "scanhub/internal/infrastructure/storage/local"
	s3storage "scanhub/internal/infrastructure/storage/s3"
	"scanhub/internal/ports"
	"scanhub/internal/usecase/execution"
	"scanhub/internal/usecase/report"
	"scanhub/internal/usecase/schedule"
)

// StorageFactories bundles the two storage tiers: the scheduler-managed
// backend from config and the execution-local one next to the workspaces.
type StorageFactories struct {
	Scheduler ports.StorageFactory
	Execution ports.StorageFactory
}

var Module = fx.Options(
	fx.Provide(provideConfig),
	fx.Provide(provideDatabase),
	fx.Provide(provideApp),
	fx.Provide(
		fx.Annotate(
			sqliterepo.NewJobRepository,
			fx.As(new(ports.JobRepository)),
		),
	),
	fx.Provide(
		fx.Annotate(
			sqliterepo.NewExecutionRepository,
			fx.As(new(ports.ExecutionRepository)),
		),
	),
	fx.Provide(
		fx.Annotate(
			sqliterepo.NewSchedulerKVStore,
			fx.As(new(ports.KV)),
		),
	),
	fx.Provide(
		fx.Annotate(
			sqliteuow.NewUnitOfWork,
			fx.As(new(ports.UnitOfWork)),
		),
	),
	fx.Provide(provideStorageFactories),
	fx.Provide(providePublisher),
	fx.Provide(provideReportEngine),
	fx.Provide(provideProductProfile),
	fx.Provide(provideRunner),
	fx.Provide(provideQueue),
	fx.Provide(provideReconciler),
	fx.Provide(provideService),
	fx.Provide(provideDispatcher),
)

type configParams struct {
	fx.In

	Ctx        context.Context
	ConfigFile string `name:"configFile"`
}

func provideConfig(p configParams) (config.Config, error) {
	ctx := logging.WithAttrs(p.Ctx, slog.String("component", "bootstrap.fx"))
	return config.Load(ctx, p.ConfigFile)
}

func provideDatabase(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (*gorm.DB, error) {
	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.fx"))

	db, err := database.Open(logCtx, cfg.Database)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})

	return db, nil
}

func provideApp(cfg config.Config, db *gorm.DB) *App {
	return &App{
		Config: cfg,
		DB:     db,
	}
}

func provideStorageFactories(cfg config.Config) (StorageFactories, error) {
	factories := StorageFactories{
		Execution: localstorage.NewFactory(
			filepath.Join(cfg.Execution.WorkspaceRoot, "storage"),
			cfg.Storage.OperationTimeout,
		),
	}

	if cfg.Storage.Backend == "s3" {
		scheduler, err := s3storage.NewFactory(cfg.Storage)
		if err != nil {
			return StorageFactories{}, err
		}
		factories.Scheduler = scheduler
		return factories, nil
	}

	factories.Scheduler = localstorage.NewFactory(cfg.Storage.LocalRoot, cfg.Storage.OperationTimeout)
	return factories, nil
}

func providePublisher(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (ports.EventPublisher, error) {
	if cfg.Events.URL == "" {
		return events.NoopPublisher{}, nil
	}

	publisher, err := events.NewNATSPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			publisher.Close()
			return nil
		},
	})
	logging.Info(ctx, "event publisher connected", slog.String("url", cfg.Events.URL))
	return publisher, nil
}

// provideReportEngine builds the importer registry. Order matters: the text
// importer accepts almost anything and has to come last.
func provideReportEngine() *report.Engine {
	return report.NewEngine(
		report.NewSarifImporter(),
		report.NewGenericImporter(),
		report.NewTextImporter(),
	)
}

func provideProductProfile(cfg config.Config) (execution.ProductProfile, error) {
	return execution.LoadProductProfile(cfg.Execution.ProductsFile)
}

func provideRunner(cfg config.Config) *execution.Runner {
	return execution.NewRunner(cfg.Execution.CancelGrace, cfg.Execution.OutputMaxBytes)
}

func provideQueue(
	cfg config.Config,
	jobs ports.JobRepository,
	executions ports.ExecutionRepository,
	factories StorageFactories,
	engine *report.Engine,
	runner *execution.Runner,
	profile execution.ProductProfile,
	publisher ports.EventPublisher,
) *execution.Queue {
	return execution.NewQueue(
		execution.QueueConfig{
			QueueMax:       cfg.Execution.QueueMax,
			WorkspaceRoot:  cfg.Execution.WorkspaceRoot,
			DefaultTimeout: cfg.Execution.DefaultTimeout,
			RetryMax:       cfg.Execution.RetryMax,
			StorageRetries: cfg.Storage.RetryAttempts,
			StorageBackoff: cfg.Storage.RetryBackoff,
		},
		jobs,
		executions,
		factories.Scheduler,
		factories.Execution,
		engine,
		runner,
		profile,
		publisher,
	)
}

func provideReconciler(
	cfg config.Config,
	jobs ports.JobRepository,
	executions ports.ExecutionRepository,
	profile execution.ProductProfile,
) *execution.Reconciler {
	return execution.NewReconciler(jobs, executions, profile, cfg.Execution.WorkspaceRoot, cfg.Execution.DefaultTimeout)
}

func provideService(
	cfg config.Config,
	jobs ports.JobRepository,
	executions ports.ExecutionRepository,
	uow ports.UnitOfWork,
	kv ports.KV,
	factories StorageFactories,
	engine *report.Engine,
	queue *execution.Queue,
	publisher ports.EventPublisher,
) *schedule.Service {
	return schedule.NewService(jobs, executions, uow, kv, factories.Scheduler, engine, queue, publisher, cfg.Scheduler.Strategy)
}

func provideDispatcher(
	cfg config.Config,
	jobs ports.JobRepository,
	queue *execution.Queue,
	service *schedule.Service,
	publisher ports.EventPublisher,
) *schedule.Dispatcher {
	return schedule.NewDispatcher(jobs, queue, service, publisher, cfg.Scheduler.InitialDelay, cfg.Scheduler.Period)
}
