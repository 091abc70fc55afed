// Command automation-engine runs the workflow automation service: rule
// detection and execution, integration data streams, the scheduler and the
// optional Kafka, ClickHouse and S3 sinks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"automation-engine/internal/action"
	"automation-engine/internal/config"
	"automation-engine/internal/credentials"
	"automation-engine/internal/extension"
	"automation-engine/internal/history"
	"automation-engine/internal/integration"
	"automation-engine/internal/kafka"
	"automation-engine/internal/logging"
	"automation-engine/internal/metrics"
	"automation-engine/internal/middleware"
	"automation-engine/internal/notify"
	"automation-engine/internal/retry"
	"automation-engine/internal/schedule"
	sig "automation-engine/internal/signal"
	"automation-engine/internal/startup"
	"automation-engine/internal/storage"
	"automation-engine/internal/storage/s3"
	"automation-engine/internal/workflow"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format, "automation-engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("automation engine stopped with error", "error", err)
		os.Exit(1)
	}
}

// closer is a shutdown step run in reverse registration order.
type closer struct {
	name string
	fn   func(context.Context) error
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting automation engine",
		"version", version,
		"http_port", cfg.Server.HTTPPort,
		"storage_backend", cfg.Storage.Backend,
		"kafka_enabled", cfg.Kafka.Enabled,
		"history_enabled", cfg.History.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	var (
		closers []closer
		probes  []startup.Probe
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(shutdownCtx); err != nil {
				logger.Error("shutdown step failed", "step", closers[i].name, "error", err)
			}
		}
		logger.Info("shutdown complete")
	}()

	// Signal bus. Its workers run until the bus is stopped so subscribers
	// still see the signals emitted while draining.
	bus := sig.NewBus(cfg.Signals, logger)
	bus.Start(context.WithoutCancel(ctx))
	closers = append(closers, closer{"signal bus", func(context.Context) error { bus.Stop(); return nil }})

	repos, err := openRepositories(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if repos.redis != nil {
		probes = append(probes, startup.Probe{Name: "redis", Check: repos.redis.Ping})
		closers = append(closers, closer{"redis", func(context.Context) error { return repos.redis.Close() }})
	}

	creds, err := credentials.NewManagerFromConfig(ctx, cfg.Credentials, logger)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	probes = append(probes, startup.Probe{Name: "credentials", Check: creds.HealthCheck})

	agg := metrics.NewAggregator(cfg.Metrics, logger)
	retryCtrl := retry.NewController(retry.WithLogger(logger))

	// Integrations come before the engine so executors can resolve
	// endpoints; the record sink is bound once the engine exists.
	sink := &lateSink{}
	regOpts := integration.Options{
		Repository:      repos.integrations,
		Publisher:       bus,
		Sink:            sink,
		Observer:        agg,
		Retry:           retryCtrl,
		Logger:          logger,
		MinSyncInterval: cfg.Streams.MinSyncInterval,
	}
	if cfg.Streams.Enabled {
		regOpts.Syncer = integration.NewHTTPSyncer(&http.Client{Timeout: cfg.Streams.HTTPTimeout}, creds)
	}
	integrations := integration.NewRegistry(regOpts)
	if n, err := integrations.Load(ctx); err != nil {
		return fmt.Errorf("loading integrations: %w", err)
	} else if n > 0 {
		logger.Info("integrations loaded", "count", n)
	}
	closers = append(closers, closer{"data streams", func(context.Context) error {
		integrations.Close(10 * time.Second)
		return nil
	}})

	extensions := extension.NewRegistry(extension.Options{
		Extensions:    repos.extensions,
		Installations: repos.installations,
		Publisher:     bus,
		Logger:        logger,
	})
	if err := extensions.Load(ctx); err != nil {
		return fmt.Errorf("loading extensions: %w", err)
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.Notify.URL != "" {
		notifier = notify.NewHTTPNotifier(cfg.Notify.URL, cfg.Notify.Headers, cfg.Notify.Timeout)
	}

	dispatcher := action.NewDispatcher(retryCtrl, retry.DefaultPolicy(), logger)
	notifyExec := action.NewNotifyExecutor(notifier)
	dispatcher.Register(action.KindNotify, notifyExec)
	dispatcher.Register(action.KindEscalate, notifyExec)
	dispatcher.Register(action.KindAPICall, action.NewAPICallExecutor(integrations, creds, nil))
	dispatcher.Register(action.KindWebhook, action.NewWebhookExecutor(creds, nil))

	engineOpts := workflow.Options{
		Actions:                 dispatcher,
		Rules:                   repos.rules,
		Executions:              repos.executions,
		Publisher:               bus,
		Observers:               []workflow.ExecutionObserver{agg},
		Logger:                  logger,
		MaxConcurrentExecutions: cfg.Engine.MaxConcurrentExecutions,
	}
	if cfg.Engine.Classifier.URL != "" {
		engineOpts.Classifier = workflow.NewHTTPClassifier(cfg.Engine.Classifier.URL, cfg.Engine.Classifier.Headers, cfg.Engine.Classifier.Timeout)
	}
	engine, err := workflow.NewEngine(engineOpts)
	if err != nil {
		return err
	}
	sink.bind(workflow.RecordRouter{Engine: engine})

	if n, err := engine.Load(ctx); err != nil {
		return fmt.Errorf("loading rules: %w", err)
	} else if n > 0 {
		logger.Info("stored rules loaded", "count", n)
	}
	if err := importRuleFiles(ctx, engine, cfg.Engine.RulesDir, logger); err != nil {
		return err
	}

	if cfg.History.Enabled {
		ch, err := storage.NewClickHouseClient(ctx, cfg.History.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		closers = append(closers, closer{"clickhouse", func(context.Context) error { return ch.Close() }})
		probes = append(probes, startup.Probe{Name: "clickhouse", Check: ch.Ping})

		if err := storage.NewMigrator(ch, logger).Run(ctx); err != nil {
			return fmt.Errorf("clickhouse migrations: %w", err)
		}
		if cfg.History.RetentionDays > 0 {
			if err := storage.NewRetentionManager(ch, cfg.History.RetentionDays, logger).ApplyTTLs(ctx); err != nil {
				logger.Warn("failed to apply history retention", "error", err)
			}
		}

		recorder := history.NewRecorder(history.NewClickHouseInserter(ch), cfg.History.BatchWriter, logger)
		bus.Subscribe(recorder)
		closers = append(closers, closer{"history recorder", func(context.Context) error { return recorder.Close() }})
	}

	if cfg.Archive.Enabled {
		client, err := s3.NewClient(ctx, &cfg.Archive.S3, logger)
		if err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		probes = append(probes, startup.Probe{Name: "s3", Check: client.HealthCheck})

		archiver := history.NewArchiver(s3.NewArchiver(client, cfg.Archive.Layout, logger), cfg.Archive.Buffer, logger)
		bus.Subscribe(archiver)

		archiveCtx, cancelArchive := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			archiver.Run(archiveCtx)
		}()
		closers = append(closers, closer{"history archiver", func(sctx context.Context) error {
			cancelArchive()
			select {
			case <-done:
				return nil
			case <-sctx.Done():
				return sctx.Err()
			}
		}})
	}

	if cfg.Kafka.Enabled {
		if err := startKafka(ctx, cfg, engine, bus, logger, &closers, &probes); err != nil {
			return err
		}
	}

	if cfg.Schedule.Enabled {
		scheduler := schedule.New(engine, engine, logger)
		if err := scheduler.Sync(ctx); err != nil {
			logger.Warn("some schedules could not be registered", "error", err)
		}
		bus.Subscribe(scheduler)
		scheduler.Start(ctx)
		closers = append(closers, closer{"scheduler", func(sctx context.Context) error {
			scheduler.Stop(sctx)
			return nil
		}})
	}

	diag := startup.NewDiagnostics(cfg, probes, logger)
	diag.RunAll(ctx)
	if diag.HasErrors() {
		logger.Warn("continuing despite failed startup checks")
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit, agg.Registry(), logger)
	closers = append(closers, closer{"rate limiter", func(context.Context) error { limiter.Stop(); return nil }})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", agg.Handler())
	mux.Handle("GET /health", startup.HealthHandler(probes, 5*time.Second))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      middleware.Chain(mux, middleware.RequestLogger(logger), middleware.SecurityHeaders, limiter.Middleware),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving operational endpoints", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	wm := agg.GetWorkflowMetrics()
	logger.Info("final workflow metrics",
		"executions", wm.TotalExecutions,
		"success_rate", wm.SuccessRate,
		"signals_dropped", bus.Metrics().Queue.Dropped,
	)
	return nil
}

func importRuleFiles(ctx context.Context, engine *workflow.Engine, dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	files, err := workflow.LoadRules(dir)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no rules directory, skipping rule import", "dir", dir)
		return nil
	}
	if err != nil {
		return err
	}
	for _, f := range files {
		n, err := engine.ImportRules(ctx, f.Rules)
		if err != nil {
			return fmt.Errorf("importing %s: %w", f.Path, err)
		}
		logger.Info("rule file imported", "path", f.Path, "rules", n)
	}
	return nil
}

func startKafka(ctx context.Context, cfg *config.Config, engine *workflow.Engine, bus *sig.Bus, logger *slog.Logger, closers *[]closer, probes *[]startup.Probe) error {
	kc := &cfg.Kafka

	admin, err := kafka.NewAdmin(kc, logger)
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("could not ensure kafka topics", "error", err)
	}
	*probes = append(*probes, startup.Probe{Name: "kafka", Check: func(pctx context.Context) error {
		if st := admin.HealthCheck(pctx); !st.Healthy {
			return errors.New(st.Error)
		}
		return nil
	}})

	producer, err := kafka.NewProducer(kc, logger)
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	bus.Subscribe(kafka.NewSignalPublisher(producer))
	*closers = append(*closers, closer{"kafka producer", func(context.Context) error { return producer.Close() }})

	if kc.EventTopic == "" {
		return nil
	}
	consumer, err := kafka.NewConsumer(kc, engine, logger)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Run(ctx); err != nil {
			logger.Error("kafka consumer stopped", "error", err)
		}
	}()
	*closers = append(*closers, closer{"kafka consumer", func(sctx context.Context) error {
		err := consumer.Close()
		select {
		case <-done:
		case <-sctx.Done():
		}
		return err
	}})
	return nil
}
