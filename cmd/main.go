package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cushionproxy/cushion/internal/cache"
	"github.com/cushionproxy/cushion/internal/config"
	"github.com/cushionproxy/cushion/internal/dashboard"
	"github.com/cushionproxy/cushion/internal/logging"
	"github.com/cushionproxy/cushion/internal/metrics"
	"github.com/cushionproxy/cushion/internal/plugins"
	"github.com/cushionproxy/cushion/internal/plugins/valkeypub"
	"github.com/cushionproxy/cushion/internal/scheduler"
	"github.com/cushionproxy/cushion/internal/server"
	"github.com/cushionproxy/cushion/internal/stats"
	"github.com/cushionproxy/cushion/internal/upstream"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "CUSHION", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging, cfg.Proxy.Debug)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	registry := buildPlugins(logger, cfg.Plugins)
	registry.Initialize()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			logger.Error("plugin shutdown failed", slog.Any("error", err))
		}
	}()

	manager, err := upstream.New(cfg.Backend.URL, cfg.Backend.MaxConcurrentRequests, logger, metricsRecorder)
	if err != nil {
		logger.Error("unable to construct connection manager", slog.Any("error", err))
		os.Exit(1)
	}

	engine, err := cache.NewEngine(logger, cache.Options{
		Backend:  manager,
		Defaults: cfg.Cache,
		Policies: config.PolicyBundle{
			Policies: cfg.Policies,
			Sources:  cfg.PolicySources,
			Skipped:  cfg.SkippedPolicies,
		},
		Notifier: registry,
		Metrics:  metricsRecorder,
	})
	if err != nil {
		logger.Error("unable to construct cache engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer engine.Close()

	var policyWatcher *config.PolicyWatcher
	if cfg.URLs.Folder != "" {
		watcher, err := loader.WatchPolicies(ctx, cfg, func(bundle config.PolicyBundle) {
			engine.SetPolicies(bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("policy watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("policy watcher setup failed", slog.Any("error", err))
		} else {
			policyWatcher = watcher
			defer policyWatcher.Stop()
		}
	}

	sched := scheduler.New(logger, engine, manager, cfg.Policies)
	sched.WarmCache(ctx)
	sched.Start(ctx)
	defer sched.Stop()

	aggregator := stats.New(engine, manager, nil)

	dash, err := dashboard.New(aggregator)
	if err != nil {
		logger.Error("unable to construct dashboard", slog.Any("error", err))
		os.Exit(1)
	}

	handler := server.NewHandler(logger, metricsRecorder, engine, manager, aggregator, dash)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", handler)

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildPlugins(logger *slog.Logger, cfg config.PluginsConfig) *plugins.Registry {
	var active []plugins.Plugin
	if cfg.Valkey.Enabled {
		publisher, err := valkeypub.New(cfg.Valkey, logger)
		if err != nil {
			logger.Error("valkey publisher setup failed, continuing without it", slog.Any("error", err))
		} else {
			logger.Info("valkey publisher enabled",
				slog.String("address", cfg.Valkey.Address),
				slog.String("channel", cfg.Valkey.Channel))
			active = append(active, publisher)
		}
	}
	return plugins.NewRegistry(logger, active...)
}
