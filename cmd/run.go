package cmd

import (
	"context"
	"log/slog"
	_ "net/http/pprof" // nolint:gosec // profiling endpoint listens on localhost.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/metal-toolbox/oltprov/internal/health"
	"github.com/metal-toolbox/oltprov/internal/log"
	"github.com/metal-toolbox/oltprov/internal/metrics"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/metal-toolbox/oltprov/internal/notify"
	"github.com/metal-toolbox/oltprov/internal/orchestrator"
	"github.com/metal-toolbox/oltprov/internal/profiling"
	"github.com/metal-toolbox/oltprov/internal/version"
	"github.com/spf13/cobra"
)

const healthCheckInterval = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the provisioning worker pool",
	Run: func(cmd *cobra.Command, _ []string) {
		if err := runWorker(cmd.Context(), args); err != nil {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// nolint:gocyclo // wiring of every dependency
func runWorker(ctx context.Context, args *model.Args) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("Configuration loaded", config.AsLogFields()...)

	logger := log.NewLogrusLogger(config.LogLevel)
	log.BridgeOtel(logger)

	v, err := version.Current().AsMap()
	if err != nil {
		return err
	}

	loggerEntry := logger.WithFields(v)

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancel the context when we receive a termination signal.
	go func() {
		s := <-termChan
		slog.Info("Received signal for termination, exiting...", "signal", s.String())
		cancel()
	}()

	registry := health.NewRegistry()

	// serve metrics endpoint
	metrics.ListenAndServe(ctx, config.MetricsListenAddress, registry.Handler())
	version.ExportBuildInfoMetric()

	if config.EnableProfiling {
		profiling.Enable(config.ProfilingListenAddress)
	}

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, model.AppName)
	defer otelShutdown(ctx)

	repository, err := openRepository(ctx, config, loggerEntry, registry)
	if err != nil {
		slog.Error("Failed to create repository", "error", err)
		return err
	}
	defer repository.Close()

	q, err := openQueue(ctx, config, loggerEntry, registry)
	if err != nil {
		slog.Error("Failed to connect to the work queue", "error", err)
		return err
	}
	defer q.Close()

	leaser, err := openLeaser(ctx, config, loggerEntry, registry)
	if err != nil {
		slog.Error("Failed to connect to the lease store", "error", err)
		return err
	}

	vlt, err := loadVault(config, loggerEntry, false)
	if err != nil {
		slog.Error("Failed to load the vault key", "error", err)
		return err
	}

	executor, err := newExecutor(config, loggerEntry)
	if err != nil {
		slog.Error("Failed to create the device session executor", "error", err)
		return err
	}

	notifier, err := notify.New(ctx, config.Notify, log.NewComponentLogger(logger, "notify"))
	if err != nil {
		slog.Error("Failed to create the outcome notifier", "error", err)
		return err
	}

	deps := &orchestrator.Dependencies{
		Repository: repository,
		Queue:      q,
		Leaser:     leaser,
		Vault:      vlt,
		Executor:   executor,
		Notifier:   notifier,
	}

	opts := orchestrator.Options{
		WorkerID:       config.WorkerID,
		Concurrency:    config.Concurrency,
		LeaseTTL:       config.Lease.TTL,
		SessionTimeout: config.Session.Timeout,
	}

	pool, err := orchestrator.NewPool(deps, opts, log.NewComponentLogger(logger, "worker"))
	if err != nil {
		return err
	}

	go registry.Watch(ctx, healthCheckInterval)

	if config.Recovery.Enabled {
		sweeper := orchestrator.NewSweeper(repository, leaser, config.Lease.TTL, loggerEntry)
		go sweeper.Run(ctx, config.Recovery.Interval)
	}

	loggerEntry.Infof("Success! %s is starting to consume tasks", model.AppName)

	if err := pool.Run(ctx); err != nil {
		slog.Error("Worker pool stopped", "error", err)
		return err
	}

	return nil
}
