package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/utils/clock"

	"github.com/argusmon/argus/internal/api"
	"github.com/argusmon/argus/internal/channels"
	"github.com/argusmon/argus/internal/config"
	"github.com/argusmon/argus/internal/metrics"
	"github.com/argusmon/argus/internal/models"
	"github.com/argusmon/argus/internal/notify"
	"github.com/argusmon/argus/internal/poller"
	"github.com/argusmon/argus/internal/probe"
	"github.com/argusmon/argus/internal/recovery"
	"github.com/argusmon/argus/internal/repository"
	"github.com/argusmon/argus/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print an example configuration and exit")
	flag.Parse()

	if *dumpConfig {
		if err := config.DumpExampleConfig(os.Stdout); err != nil {
			log.Fatalf("Failed to dump example config: %v", err)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logger
	logger := initLogger(cfg.Logging)
	logger.Info("Starting argus engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"driver", cfg.Database.Driver,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the store
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatalf("Store init failed: %v", err)
	}
	defer repo.Close()

	// Seed monitor definitions before the first tick
	if cfg.MonitorsFile != "" {
		if err := seedMonitors(ctx, repo, cfg.MonitorsFile, logger); err != nil {
			log.Fatalf("Monitor seed failed: %v", err)
		}
	}

	// Metrics registry backing GET /metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Initialize EventChannels
	events := channels.NewEventChannels(channels.EventChannelsConfig{
		AlertBufferSize: cfg.Channel.AlertEventsBufferSize,
		StateBufferSize: cfg.Channel.SampleBufferSize,
		ProbeBufferSize: cfg.Channel.SampleBufferSize,
	})
	logger.Info("EventChannels initialized",
		"alert_buffer", cfg.Channel.AlertEventsBufferSize,
		"sample_buffer", cfg.Channel.SampleBufferSize,
	)

	// Start observability consumers
	channels.StartStateChangeLogger(ctx, events, logger)
	channels.StartProbeTroubleLogger(ctx, events, logger)

	clk := clock.RealClock{}

	// Evaluation pipeline: probes feed the evaluator, the evaluator feeds
	// the notifier through the hub.
	probes := probe.GetRegistry()
	evaluator := poller.NewEvaluator(repo, events, clk, logger)
	sched := poller.GetScheduler(repo, probes, evaluator, events, cfg, clk, m, logger)

	// Recovery executor, driven by the notifier and the control plane
	executor := recovery.NewExecutor(repo, cfg.Recovery, m, clk, logger)

	// Notifier consumes alert lifecycle events
	notifier := notify.New(repo, cfg.Notifications, m, clk, logger)
	notifier.SetRecoveryTrigger(executor)
	if err := notifier.Start(ctx, events); err != nil {
		log.Fatalf("Notifier failed to start: %v", err)
	}

	// The engine polls from boot; the control plane can stop and restart it.
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Scheduler failed to start: %v", err)
	}

	// Control-plane HTTP server
	router := api.NewRouter(&api.Dependencies{
		Repo:      repo,
		Scheduler: sched,
		Recovery:  executor,
		Events:    events,
		Clock:     clk,
		Gatherer:  registry,
		Logger:    logger,
	})
	srv := server.New(cfg.Server, router, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the control plane first so nothing new arrives, then drain the
	// pipeline from producers to consumers.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil && !errors.Is(err, poller.ErrNotRunning) {
		logger.Error("Scheduler stop failed", "error", err)
	}
	notifier.Stop()
	if err := executor.Shutdown(shutdownCtx); err != nil {
		logger.Error("Recovery executor shutdown failed", "error", err)
	}
	cancel()
	events.Close()

	logger.Info("Stopped gracefully")
}

// seedMonitors loads monitor definitions from a JSON file and creates the
// ones the store does not have yet. A name that already exists is skipped;
// a definition that fails validation aborts startup.
func seedMonitors(ctx context.Context, repo repository.Repository, path string, logger *slog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read monitors file: %w", err)
	}
	var monitors []*models.Monitor
	if err := json.Unmarshal(raw, &monitors); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	// Validate the whole file before writing anything.
	for _, mon := range monitors {
		if err := mon.Validate(); err != nil {
			return fmt.Errorf("monitor %q: %w", mon.Name, err)
		}
	}

	created, existing := 0, 0
	for _, mon := range monitors {
		if err := repo.CreateMonitor(ctx, mon); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				existing++
				continue
			}
			return fmt.Errorf("create monitor %q: %w", mon.Name, err)
		}
		created++
	}

	logger.Info("Monitors seeded", "file", path, "created", created, "existing", existing)
	return nil
}

// openRepository builds the configured store, running migrations for
// postgres.
func openRepository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	if cfg.Database.Driver == "memory" {
		return repository.NewMemory(), nil
	}

	pool, err := repository.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := repository.RunMigrations(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return repository.NewPostgres(pool), nil
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	// Set log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	// Set format
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
