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

	"github.com/autopilotstack/autopilot-engine/internal/analyzer"
	"github.com/autopilotstack/autopilot-engine/internal/api"
	"github.com/autopilotstack/autopilot-engine/internal/config"
	"github.com/autopilotstack/autopilot-engine/internal/correlator"
	"github.com/autopilotstack/autopilot-engine/internal/detector"
	"github.com/autopilotstack/autopilot-engine/internal/executor"
	"github.com/autopilotstack/autopilot-engine/internal/history"
	"github.com/autopilotstack/autopilot-engine/internal/metrics"
	"github.com/autopilotstack/autopilot-engine/internal/models"
	"github.com/autopilotstack/autopilot-engine/internal/notifier"
	"github.com/autopilotstack/autopilot-engine/internal/pipeline"
	"github.com/autopilotstack/autopilot-engine/internal/store"
	"github.com/autopilotstack/autopilot-engine/internal/suppressor"
	"github.com/autopilotstack/autopilot-engine/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logFormat := "text"
	if cfg.Logging.JSON {
		logFormat = "json"
	}
	logger := utils.NewLogger(cfg.Logging.Level, logFormat)
	logger.Info("starting autopilot-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var signalStore store.Store = store.NewMemoryStore()
	if cfg.Store.Backend == "valkey" && cfg.Store.Addr != "" {
		valkey, err := store.NewValkeyStore(store.ValkeyConfig{
			Addr:         cfg.Store.Addr,
			Username:     cfg.Store.Username,
			Password:     cfg.Store.Password,
			DB:           cfg.Store.DB,
			DialTimeout:  cfg.Store.DialTimeout,
			ReadTimeout:  cfg.Store.ReadTimeout,
			WriteTimeout: cfg.Store.WriteTimeout,
			MaxRetries:   cfg.Store.MaxRetries,
			TLS:          cfg.Store.TLS,
		})
		if err != nil {
			logger.Error("valkey store unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		signalStore = valkey
	}
	defer signalStore.Close()

	hist, err := history.Open(history.Config{Path: cfg.History.Path})
	if err != nil {
		logger.Error("failed to open incident history", slog.String("path", cfg.History.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer hist.Close()

	var notify notifier.Notifier = notifier.Nop{}
	if cfg.Notifier.WebhookURL != "" {
		notify = notifier.NewWebhook(notifier.WebhookConfig{
			URL:       cfg.Notifier.WebhookURL,
			AuthToken: cfg.Notifier.AuthToken,
			Timeout:   cfg.Notifier.Timeout,
		}, logger)
	}

	var rules []models.SuppressionRule
	if cfg.Suppression.RulesPath != "" {
		rules, err = suppressor.LoadRules(cfg.Suppression.RulesPath)
		if err != nil {
			logger.Error("failed to load suppression rules", slog.String("path", cfg.Suppression.RulesPath), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("suppression rules loaded", slog.Int("count", len(rules)))
	}

	det := detector.New(detector.Config{
		ZScoreThreshold: cfg.Detector.ZScoreThreshold,
		BaselineWindow:  cfg.Detector.BaselineWindow,
		MinSamples:      cfg.Detector.MinSamples,
		SpikeFlushEvery: cfg.Detector.SpikeFlushEvery,
	}, logger)

	sup := suppressor.New(suppressor.Config{
		DedupWindow:   cfg.Suppression.DedupWindow,
		FlapCount:     cfg.Suppression.FlapCount,
		FlapWindow:    cfg.Suppression.FlapWindow,
		NeverSuppress: cfg.Suppression.NeverSuppress,
	}, signalStore, rules, logger)

	corr := correlator.New(correlator.Config{
		DeployLookback: cfg.Correlation.DeployLookback,
		PendingWindow:  cfg.Correlation.PendingWindow,
	}, signalStore, logger)

	var reasoning analyzer.ReasoningClient
	if cfg.Analyzer.BaseURL != "" {
		reasoning = analyzer.NewOllamaClient(analyzer.OllamaConfig{
			BaseURL:     cfg.Analyzer.BaseURL,
			Model:       cfg.Analyzer.Model,
			Temperature: cfg.Analyzer.Temperature,
		})
		logger.Info("reasoning backend configured", slog.String("model", cfg.Analyzer.Model))
	} else {
		logger.Info("no reasoning backend configured, using deterministic analysis only")
	}
	anl := analyzer.New(analyzer.Config{
		Timeout:        cfg.Analyzer.Timeout,
		RollbackWindow: cfg.Analyzer.RollbackWindow,
	}, reasoning, logger)

	var runner executor.ActionRunner = executor.NewLogRunner(logger)
	if cfg.Executor.ActionEndpoint != "" {
		runner = executor.NewWebhookRunner(executor.WebhookRunnerConfig{
			Endpoint:  cfg.Executor.ActionEndpoint,
			AuthToken: cfg.Executor.ActionToken,
			Timeout:   cfg.Executor.ActionTimeout,
		})
	} else {
		logger.Warn("no remediation endpoint configured, actions run in dry-run mode")
	}

	exec := executor.New(executor.Config{
		ConfidenceFloor:     cfg.Executor.ConfidenceFloor,
		RiskCeiling:         models.Risk(cfg.Executor.RiskCeiling),
		ExecutionWindow:     cfg.Executor.ExecutionWindow,
		NightStart:          cfg.Executor.NightStart,
		NightEnd:            cfg.Executor.NightEnd,
		RateLimitPerHour:    cfg.Executor.RateLimitPerHour,
		MaxRollbacksPerHour: cfg.Executor.MaxRollbacksPerHour,
		Cooldown:            cfg.Executor.Cooldown,
	}, signalStore, runner, hist, notify, logger)

	pipe := pipeline.New(pipeline.Config{}, pipeline.Deps{
		Detector:   det,
		Suppressor: sup,
		Correlator: corr,
		Analyzer:   anl,
		Executor:   exec,
		History:    hist,
		Notifier:   notify,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipe.Start(ctx)

	server := api.NewServer(cfg.Server, api.NewHandlers(pipe, hist, sup, anl, logger))

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
		logger.Info("api server listening", slog.String("address", cfg.Server.Address))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("api server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", slog.Any("error", err))
	}

	pipe.Stop()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("autopilot-engine stopped")
}
