package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aires/internal/watchdog"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the watchdog service (default)",
	Long: `Starts the inbox watchdog: polls the input directory for stable
build-output files, processes each through the analysis pipeline, and
writes booklets to the output directory. Runs until SIGINT/SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService(cmd.Context())
	},
}

func runService(parent context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	if !cfg.Watchdog.Enabled {
		a.logger.Warn("watchdog disabled in configuration, nothing to do")
		return nil
	}

	proc := watchdog.NewFileProcessor(a.orch, a.books, cfg.AIServices.OllamaTimeout, a.logger)
	wd := watchdog.New(cfg.Directories.InputDirectory, proc, watchdog.Options{
		PollInterval:      time.Duration(cfg.Watchdog.PollingIntervalSeconds) * time.Second,
		FileAgeThreshold:  time.Duration(cfg.Watchdog.FileAgeThresholdMinutes) * time.Minute,
		MaxQueueSize:      cfg.Watchdog.MaxQueueSize,
		Workers:           cfg.Watchdog.ProcessingThreads,
		MaxRetries:        cfg.Pipeline.MaxRetries,
		RetryDelay:        cfg.Pipeline.RetryDelay,
		AllowedExtensions: cfg.Processing.AllowedExtensions,
		MaxFileSizeMB:     cfg.Processing.MaxFileSizeMB,
	}, a.logger, a.metrics, a.alerts)
	a.registry.Register("watchdog", wd.HealthProbe())

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Monitoring.EnableHealthChecks {
		go healthLoop(ctx, a, cfg.Monitoring.MetricsInterval)
	}

	a.logger.Info("aires started",
		zap.String("inbox", cfg.Directories.InputDirectory),
		zap.String("output", cfg.Directories.OutputDirectory),
		zap.Bool("concurrentPipeline", cfg.Pipeline.EnableParallelProcessing),
		zap.Bool("gpuLoadBalancing", cfg.AIServices.EnableGpuLoadBalancing))

	if err := wd.Run(ctx); err != nil {
		return err
	}
	a.logger.Info("aires stopped")
	return nil
}

// healthLoop runs CheckAll on a fixed cadence until ctx is cancelled.
// Alerting on transitions happens inside the registry.
func healthLoop(ctx context.Context, a *app, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := a.registry.CheckAll(ctx)
			a.metrics.MarkEvent("health_check")
			a.logger.Debug("health check pass",
				zap.String("aggregate", string(report.Aggregate)),
				zap.Duration("took", report.Took))
		}
	}
}
