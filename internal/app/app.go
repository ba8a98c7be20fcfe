package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"transferd/internal/api"
	"transferd/internal/config"
	"transferd/internal/credentials"
	"transferd/internal/engine"
	"transferd/internal/execution"
	"transferd/internal/metrics"
	"transferd/internal/notify"
	"transferd/internal/progress"
	"transferd/internal/proxy"
	"transferd/internal/proxy/accelerated"
	"transferd/internal/proxy/drive"
	"transferd/internal/proxy/managed"
	"transferd/internal/proxy/objectstore"
	"transferd/internal/proxy/posix"
	"transferd/internal/queue"
	"transferd/internal/repository"
	"transferd/internal/scheduler"
	"transferd/internal/task"
	"transferd/internal/worker"
)

const shutdownTimeout = 30 * time.Second

// Server is one transferd process: the scheduler, the dispatch consumer and
// the HTTP surface over a shared task store.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     repository.Store
	metrics   *metrics.Collector
	display   *progress.Display
	pools     *worker.Pools
	broker    queue.Broker
	consumer  *queue.Consumer
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	api       *api.Server
}

// OpenStore opens the configured task repository. The SQL store is also
// returned on its own for components that share its database.
func OpenStore(cfg *config.Config) (repository.Store, *repository.SQLStore, error) {
	switch cfg.Repository.Driver {
	case config.DriverMemory:
		return repository.NewMemoryStore(), nil, nil
	case config.DriverSQLite:
		s, err := repository.NewSQLStore(repository.DialectSQLite, cfg.Repository.DSN)
		return s, s, err
	case config.DriverPostgres:
		s, err := repository.NewSQLStore(repository.DialectPostgres, cfg.Repository.DSN)
		return s, s, err
	default:
		return nil, nil, fmt.Errorf("unknown repository driver %q", cfg.Repository.Driver)
	}
}

// New creates a server instance
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	store, sqlStore, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}

	srv, err := build(ctx, cfg, store, sqlStore, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return srv, nil
}

func build(ctx context.Context, cfg *config.Config, store repository.Store, sqlStore *repository.SQLStore, logger *zap.Logger) (*Server, error) {
	tracker := progress.NewTracker()
	metricsCollector := metrics.New(tracker)

	creds, err := newCredentials(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential provider: %w", err)
	}

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout))
	}

	var binder repository.SessionBinder
	if b, ok := store.(repository.SessionBinder); ok {
		binder = b
	}
	wrapper := execution.New(binder, notifiers, metricsCollector, logger)

	broker, err := queue.New(cfg.Dispatch, sqlStore, metricsCollector, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch queue: %w", err)
	}

	pools := worker.NewPools(cfg.Pools, metricsCollector, logger)

	eng, err := engine.New(engine.Config{
		ServerID:         cfg.ServerID,
		ArchiveBase:      cfg.ArchiveBase,
		MaxRetries:       cfg.MaxRetries,
		Staleness:        cfg.Staleness,
		DefaultStaleness: cfg.DefaultStaleness,
		CallTimeout:      cfg.CallTimeout,
		URLExpiry:        cfg.URLExpiry,
		RecheckDelay:     cfg.Dispatch.Delay,
		RetryBackoff:     cfg.RetryBackoff,
		RecoverAnyServer: cfg.RecoverAnyServer,
	}, store, newRegistry(cfg, tracker, logger), creds, pools, broker, metricsCollector, logger, engine.WithWrapper(wrapper))
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	consumer := queue.NewConsumer(broker, wrapper, cfg.Dispatch.Concurrency, logger)
	for name, h := range eng.Handlers() {
		consumer.Handle(name, h)
	}

	sched := scheduler.New(wrapper, metricsCollector, logger)
	if err := sched.AddAll(eng.Jobs(), schedules(cfg, eng.Jobs())); err != nil {
		broker.Close()
		return nil, fmt.Errorf("failed to schedule jobs: %w", err)
	}

	service := engine.NewService(store, metricsCollector, logger)

	return &Server{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		metrics:   metricsCollector,
		display:   progress.NewDisplay(tracker, logger, cfg.ProgressInterval),
		pools:     pools,
		broker:    broker,
		consumer:  consumer,
		engine:    eng,
		scheduler: sched,
		api:       api.NewServer(cfg.HTTP.Addr, cfg.ServerID, service, metricsCollector, pools, eng, logger),
	}, nil
}

// schedules resolves the cron expression of every job. Configured entries
// for unknown jobs are kept so the scheduler rejects them.
func schedules(cfg *config.Config, jobs map[string]func(ctx context.Context) error) map[string]string {
	specs := make(map[string]string, len(jobs))
	for name, spec := range cfg.Scheduler.Jobs {
		specs[name] = spec
	}
	for name := range jobs {
		if _, ok := specs[name]; !ok {
			specs[name] = cfg.Scheduler.Default
		}
	}
	return specs
}

func newCredentials(ctx context.Context, cfg *config.Config, logger *zap.Logger) (credentials.Provider, error) {
	switch cfg.Credentials.Provider {
	case config.ProviderSecretsManager:
		return credentials.NewSecretsManagerProvider(ctx, cfg.Credentials.Region, cfg.Credentials.Prefix, cfg.Credentials.CacheTTL, logger)
	default:
		return credentials.NewStaticProvider(cfg.Credentials.Accounts), nil
	}
}

func newRegistry(cfg *config.Config, tracker *progress.Tracker, logger *zap.Logger) *proxy.Registry {
	threshold := cfg.ProgressThreshold
	registry := proxy.NewRegistry()
	registry.Register(task.ProtocolObjectStore, objectstore.New(cfg.Backends.ObjectStore, threshold, tracker, logger))
	registry.Register(task.ProtocolManagedEndpoint, managed.New(cfg.Backends.ManagedEndpoint, threshold, tracker, logger))
	registry.Register(task.ProtocolAcceleratedUDP, accelerated.New(cfg.Backends.Accelerated, threshold, tracker, logger))
	registry.Register(task.ProtocolConsumerDrive, drive.New(cfg.Backends.Drive, threshold, tracker, logger))
	registry.Register(task.ProtocolPosixBridge, posix.New(cfg.Backends.Posix, threshold, tracker, logger))
	return registry
}

// Run recovers interrupted transfers, then serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting transferd",
		zap.String("server_id", s.cfg.ServerID),
		zap.String("repository", s.cfg.Repository.Driver),
		zap.Bool("dispatch", s.cfg.Dispatch.Enabled),
		zap.Int("jobs", len(s.scheduler.Jobs())),
	)

	s.pools.Start(ctx)
	s.display.Start()

	recovered, err := s.engine.Recover(ctx)
	if err != nil {
		s.logger.Warn("Recovery incomplete, the scheduler will retry stalled tasks", zap.Error(err))
	} else if recovered > 0 {
		s.logger.Info("Recovered interrupted transfers", zap.Int("tasks", recovered))
	}

	s.scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Dispatch.Enabled {
		g.Go(func() error { return s.consumer.Run(gctx) })
	}
	g.Go(func() error { return s.api.Run(gctx) })
	runErr := g.Wait()

	s.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.scheduler.Stop(shutdownCtx); err != nil {
		s.logger.Warn("Scheduler did not stop cleanly", zap.Error(err))
	}
	s.pools.Stop()
	s.display.Stop()

	return runErr
}

// Close cleans up resources
func (s *Server) Close() error {
	if s.broker != nil {
		s.broker.Close()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
