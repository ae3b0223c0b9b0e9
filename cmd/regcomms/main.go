// Package main is the entry point for the regulatory-incident
// communication service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"regcomms/internal/api"
	"regcomms/internal/config"
	"regcomms/internal/deadline"
	"regcomms/internal/directory"
	"regcomms/internal/escalation"
	"regcomms/internal/evidence"
	"regcomms/internal/incident"
	"regcomms/internal/middleware"
	"regcomms/internal/notify"
	"regcomms/internal/rules"
	"regcomms/internal/storage"
	"regcomms/internal/throttle"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("REGCOMMS_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"storage_enabled", cfg.Storage.Enabled,
		"kafka_enabled", cfg.Evidence.Kafka.Enabled,
		"throttle_enabled", cfg.Throttle.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage: the durable audit copy. Without it the engine still
	// runs; state then lives only in process memory.
	var chClient *storage.ClickHouseClient
	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)
		chClient, err = storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		slog.Info("running database migrations")
		migrator := storage.NewMigrator(chClient)
		if err := migrator.Run(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	pathStore := storage.NewPathStore(chClient)
	commStore := storage.NewCommunicationStore(chClient)
	scheduleStore := storage.NewScheduleStore(chClient)

	// Evidence pipeline: Kafka when configured, log-only otherwise.
	var emitter evidence.Emitter = evidence.NewLogEmitter()
	var kafkaEmitter *evidence.KafkaEmitter
	var archiver *evidence.Archiver
	if cfg.Evidence.Kafka.Enabled {
		kafkaEmitter, err = evidence.NewKafkaEmitter(cfg.Evidence.Kafka.KafkaConfig, logger)
		if err != nil {
			slog.Error("failed to create evidence emitter", "error", err)
			os.Exit(1)
		}
		if cfg.Evidence.Archive.Enabled {
			archiver, err = evidence.NewArchiver(ctx, cfg.Evidence.Archive.ArchiveConfig, logger)
			if err != nil {
				slog.Error("failed to create evidence archiver", "error", err)
				os.Exit(1)
			}
			archiver.Start(ctx)
			kafkaEmitter.WithArchive(archiver)
		}
		emitter = kafkaEmitter
	}

	// Rule catalog: builtins merged with operator YAML rules.
	catalog := rules.NewCatalog(cfg.Rules.Dir)
	if err := catalog.Load(); err != nil {
		slog.Error("failed to load rule catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("rule catalog loaded", "rules", len(catalog.Rules()))

	// Stakeholder directory.
	var dir directory.Directory
	if cfg.Directory.File != "" {
		static, err := directory.LoadFile(cfg.Directory.File)
		if err != nil {
			slog.Error("failed to load stakeholder directory", "error", err)
			os.Exit(1)
		}
		dir = static
	} else {
		slog.Warn("no stakeholder directory configured, running with an empty roster")
		dir = directory.NewStatic(nil)
	}

	incidents := incident.NewHTTPLookup(cfg.Incidents.BaseURL, cfg.Incidents.Token, cfg.Incidents.Timeout)

	transports := notify.Transports{}
	transports.Register(notify.NewEmailTransport(cfg.Notify.SMTP))
	if cfg.Notify.Providers.SMS.URL != "" {
		transports.Register(notify.NewHTTPProviderTransport(directory.ChannelSMS, cfg.Notify.Providers.SMS))
	}
	if cfg.Notify.Providers.Phone.URL != "" {
		transports.Register(notify.NewHTTPProviderTransport(directory.ChannelPhone, cfg.Notify.Providers.Phone))
	}
	if cfg.Notify.Providers.Chat.URL != "" {
		transports.Register(notify.NewHTTPProviderTransport(directory.ChannelChat, cfg.Notify.Providers.Chat))
	}
	transports.Register(notify.NewWebhookTransport(nil, cfg.Notify.WebhookTimeout))

	dispatcher := notify.NewDispatcher(incidents, dir, transports, commStore, emitter)
	if cfg.Throttle.Enabled {
		window, err := throttle.NewRedisWindow(cfg.Throttle.Redis)
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		dispatcher.WithThrottle(window, cfg.Throttle.Window)
	}

	scheduler := deadline.NewScheduler(scheduleStore, emitter)
	engine := escalation.NewEngine(catalog, incidents, dispatcher, scheduler, pathStore, emitter)

	engine.Start(ctx, cfg.Escalation.CheckInterval)
	scheduler.Start(ctx, cfg.Deadline.SweepInterval)

	mux := http.NewServeMux()
	handler := api.NewHandler(engine, dispatcher, scheduler, catalog, pathStore, commStore, scheduleStore)
	handler.RegisterRoutes(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      limiter.Middleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting communication engine", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	engine.Stop()
	scheduler.Stop()
	limiter.Stop()
	cancel()

	if kafkaEmitter != nil {
		if err := kafkaEmitter.Close(); err != nil {
			slog.Error("evidence emitter close error", "error", err)
		}
		stats := kafkaEmitter.Stats()
		slog.Info("evidence pipeline drained",
			"emitted", stats["emitted"],
			"failed", stats["failed"],
			"dropped", stats["dropped"],
		)
	}
	if archiver != nil {
		if err := archiver.Stop(shutdownCtx); err != nil {
			slog.Error("evidence archiver stop error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	slog.Info("shutdown complete")
}
