package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"aires/internal/alerting"
	"aires/internal/balancer"
	"aires/internal/booklet"
	"aires/internal/config"
	"aires/internal/gateway"
	"aires/internal/health"
	"aires/internal/logging"
	"aires/internal/metrics"
	"aires/internal/parser"
	"aires/internal/pipeline"
	"aires/internal/stages"
)

// app is the wired component graph shared by the subcommands.
type app struct {
	store    *config.Store
	cfg      *config.Config
	logger   *zap.Logger
	closeLog func()
	alerts   *alerting.Sink
	metrics  *metrics.Registry
	registry *health.Registry
	gw       *gateway.Client
	bal      *balancer.Balancer // nil when GPU load balancing is disabled
	orch     *pipeline.Orchestrator
	books    *booklet.Store
}

// newApp loads configuration and wires every component except the
// watchdog. Configuration problems come back as exit code 2.
func newApp() (*app, error) {
	bootLogger, closeBoot, err := logging.New(logging.Options{Level: "info", Format: "console", Verbose: verbose})
	if err != nil {
		return nil, exitWith(exitConfig, fmt.Errorf("initializing logger: %w", err))
	}

	store, err := config.NewStore(configPath, bootLogger)
	if err != nil {
		closeBoot()
		return nil, exitWith(exitConfig, err)
	}
	cfg := store.Get()
	if problems := cfg.Validate(); len(problems) > 0 {
		closeBoot()
		return nil, exitWith(exitConfig, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; ")))
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		LogDir:  cfg.Directories.LogDirectory,
		Verbose: verbose,
	})
	closeBoot()
	if err != nil {
		return nil, exitWith(exitConfig, fmt.Errorf("initializing logger: %w", err))
	}
	// Rebind the store so reload warnings reach the real logger.
	store, err = config.NewStore(configPath, logger)
	if err != nil {
		closeLog()
		return nil, exitWith(exitConfig, err)
	}
	cfg = store.Get()

	m := metrics.New()
	alerts := alerting.New(alerting.Options{
		Enabled:       cfg.Alerting.Enabled,
		ConsoleAlerts: cfg.Alerting.ConsoleAlerts,
		FileAlerts:    cfg.Alerting.FileAlerts,
		OSLog:         cfg.Alerting.WindowsEventLog,
		AlertDir:      cfg.Directories.AlertDirectory,
	}, logger, m)

	a := &app{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		alerts:   alerts,
		metrics:  m,
	}

	var router gateway.Router
	if cfg.AIServices.EnableGpuLoadBalancing && len(cfg.AIServices.GpuEndpoints) > 0 {
		endpoints := []balancer.Endpoint{{
			ID:            "gpu0",
			BaseURL:       cfg.AIServices.OllamaBaseURL,
			MaxConcurrent: cfg.AIServices.MaxConcurrentPerEndpoint,
		}}
		for i, url := range cfg.AIServices.GpuEndpoints {
			endpoints = append(endpoints, balancer.Endpoint{
				ID:            fmt.Sprintf("gpu%d", i+1),
				BaseURL:       url,
				MaxConcurrent: cfg.AIServices.MaxConcurrentPerEndpoint,
			})
		}
		bal, err := balancer.New(endpoints, balancer.Options{}, logger, m, alerts)
		if err != nil {
			a.Close()
			return nil, exitWith(exitConfig, err)
		}
		a.bal = bal
		router = bal
	} else {
		router = gateway.StaticRouter{URL: cfg.AIServices.OllamaBaseURL}
	}

	a.gw = gateway.NewClient(router, gateway.Options{
		BaseURL:    cfg.AIServices.OllamaBaseURL,
		Timeout:    cfg.AIServices.OllamaTimeout,
		MaxRetries: cfg.Pipeline.MaxRetries,
	}, logger, m)

	exec := stages.New(a.gw, stages.Models{
		Mistral:   cfg.AIServices.MistralModel,
		DeepSeek:  cfg.AIServices.DeepSeekModel,
		CodeGemma: cfg.AIServices.CodeGemmaModel,
		Gemma2:    cfg.AIServices.Gemma2Model,
	}, gateway.Params{
		Temperature: cfg.AIServices.ModelTemperature,
		TopP:        cfg.AIServices.ModelTopP,
		NumPredict:  cfg.AIServices.ModelMaxTokens,
	}, logger)

	a.orch = pipeline.New(exec, pipeline.Options{
		Concurrent: cfg.Pipeline.EnableParallelProcessing,
		Parser:     parser.ForName(cfg.Processing.ParserDialect), // nil means auto-detect
		MaxErrors:  cfg.Processing.MaxErrorsPerFile,
	}, logger, m)

	a.books = booklet.NewStore(cfg.Directories.OutputDirectory, booklet.StoreOptions{
		CriticalFreeMB: cfg.Alerting.CriticalDiskSpaceMB,
		WarningFreeMB:  cfg.Alerting.WarningDiskSpaceMB,
	}, logger, m)

	a.registry = health.NewRegistry(health.Options{}, alerts, logger)
	a.registry.Register("config", store.HealthProbe())
	a.registry.Register("inference", a.gw.HealthCheckService)
	a.registry.Register("output", a.books.HealthProbe())
	a.registry.Register("metrics", func(context.Context) health.Status {
		return health.Status{State: health.StateHealthy, Diagnostics: m.Snapshot()}
	})
	if a.bal != nil {
		a.registry.Register("endpoints", a.bal.HealthProbe())
	}
	registerModelProbes(a.registry, a.gw,
		cfg.AIServices.MistralModel,
		cfg.AIServices.DeepSeekModel,
		cfg.AIServices.CodeGemmaModel,
		cfg.AIServices.Gemma2Model)

	return a, nil
}

// registerModelProbes adds one probe per distinct configured model so
// status reports model availability and latency individually.
func registerModelProbes(reg *health.Registry, gw *gateway.Client, models ...string) {
	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true
		reg.Register("model:"+model, func(ctx context.Context) health.Status {
			return gw.HealthCheckModel(ctx, model)
		})
	}
}

// Close releases everything newApp started, in reverse order.
func (a *app) Close() {
	if a.bal != nil {
		a.bal.Close()
	}
	if a.alerts != nil {
		a.alerts.Close()
	}
	if a.closeLog != nil {
		a.closeLog()
	}
}
