package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsforge/sentinel/internal/api"
	"github.com/opsforge/sentinel/internal/audit"
	"github.com/opsforge/sentinel/internal/cache"
	"github.com/opsforge/sentinel/internal/classify"
	"github.com/opsforge/sentinel/internal/cloud"
	"github.com/opsforge/sentinel/internal/config"
	"github.com/opsforge/sentinel/internal/console"
	"github.com/opsforge/sentinel/internal/gate"
	"github.com/opsforge/sentinel/internal/intent"
	"github.com/opsforge/sentinel/internal/inventory"
	"github.com/opsforge/sentinel/internal/llm"
	"github.com/opsforge/sentinel/internal/metrics"
	"github.com/opsforge/sentinel/internal/monitor"
	"github.com/opsforge/sentinel/internal/notify"
	"github.com/opsforge/sentinel/internal/orchestrator"
	"github.com/opsforge/sentinel/internal/sop"
	"github.com/opsforge/sentinel/internal/utils"
)

func main() {
	var configPath string
	var headless bool
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&headless, "headless", false, "Run without the interactive console")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting sentinel", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cloudClient := cloud.NewClient(
		cfg.Cloud.BaseURL,
		cfg.Cloud.InventoryPath,
		cfg.Cloud.LogsPath,
		cfg.Cloud.ExecutePath,
		cfg.Cloud.Region,
		cfg.Cloud.Timeout,
	)
	if err := cloudClient.Ping(ctx); err != nil {
		logger.Error("cloud control plane unreachable", slog.Any("error", err))
		os.Exit(1)
	}

	oracle, err := llm.New(cfg.LLM)
	if err != nil {
		logger.Error("failed to initialise reasoning oracle", slog.Any("error", err))
		os.Exit(1)
	}

	var retriever sop.Retriever
	var sopStore sop.Store
	if cfg.Weaviate.Endpoint != "" {
		weaviate := sop.NewWeaviateRetriever(cfg.Weaviate.Endpoint, cfg.Weaviate.APIKey,
			cfg.Weaviate.Timeout, cacheProvider, cfg.Cache.ProcedureTTL)
		retriever, sopStore = weaviate, weaviate
	} else {
		logger.Info("no knowledge store endpoint configured, using in-memory retrieval")
		memory := sop.NewMemoryRetriever()
		retriever, sopStore = memory, memory
	}
	if cfg.SOP.Path != "" {
		n, err := sop.Seed(ctx, sopStore, cfg.SOP.Path)
		if err != nil {
			logger.Error("failed to seed procedures", slog.String("path", cfg.SOP.Path), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("procedure pack loaded", slog.Int("procedures", n))
	}

	var auditor gate.Auditor
	var auditHealthy bool
	if cfg.Audit.Enabled && cfg.Audit.DSN != "" {
		pgStore, err := audit.NewPostgresStore(cfg.Audit.DSN)
		if err != nil {
			logger.Error("audit database unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		defer pgStore.Close()
		auditor = pgStore
		auditHealthy = true
	} else {
		auditor = audit.NewMemoryStore()
	}

	var notifier monitor.Notifier = notify.NopNotifier{}
	if cfg.Notify.SlackWebhookURL != "" {
		notifier = notify.NewSlackNotifier(logger, cfg.Notify.SlackWebhookURL)
	}

	inv := inventory.NewStore()
	registry := intent.NewRegistry()
	validator := intent.NewValidator(registry, inv)

	rules := classify.DefaultPolicy(cfg.Monitor)
	if cfg.Monitor.PolicyPath != "" {
		custom, err := classify.LoadPolicy(cfg.Monitor.PolicyPath)
		if err != nil {
			logger.Error("failed to load tiering policy", slog.String("path", cfg.Monitor.PolicyPath), slog.Any("error", err))
			os.Exit(1)
		}
		if len(custom) > 0 {
			rules = custom
		}
	}
	classifier := classify.New(logger, rules, cfg.Monitor.HealthyCycles)

	safetyGate := gate.New(logger, registry, inv, cloudClient, auditor, cfg.Approval.Timeout)
	recovery := orchestrator.New(logger, retriever, oracle, safetyGate, classifier, cloudClient, notifier)
	scheduler := monitor.NewScheduler(logger, cfg.Monitor.Interval, cloudClient, inv, classifier, recovery, notifier)
	if cfg.Monitor.EnabledAtBoot {
		scheduler.Enable()
	}

	server, err := api.NewServer(cfg.Server)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}
	server.SetServing(api.SubsystemCloud, true)
	server.SetServing(api.SubsystemOracle, true)
	server.SetServing(api.SubsystemKnowledge, true)
	server.SetServing(api.SubsystemMonitor, scheduler.Enabled())
	server.SetServing(api.SubsystemAudit, auditHealthy)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	go scheduler.Run(ctx)

	if headless {
		<-ctx.Done()
	} else {
		repl := console.New(logger, validator, registry, oracle, safetyGate, scheduler,
			inv, cloudClient, cfg.Monitor.CPUThresholdPct, os.Stdin, os.Stdout)
		repl.Run(ctx)
		stop()
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("sentinel stopped")
}
