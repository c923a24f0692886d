// Package main is the entry point for the agpool gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agpool/agpool/internal/account"
	"github.com/agpool/agpool/internal/api"
	"github.com/agpool/agpool/internal/config"
	"github.com/agpool/agpool/internal/events"
	"github.com/agpool/agpool/internal/logging"
	"github.com/agpool/agpool/internal/oauth"
	"github.com/agpool/agpool/internal/persist"
	"github.com/agpool/agpool/internal/quota"
	"github.com/agpool/agpool/internal/relay"
	"github.com/agpool/agpool/internal/upstream"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfgManager, err := config.NewManager(*configPath, bootstrap)
	if err != nil {
		bootstrap.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	bus := events.NewBus(events.DefaultBuffer)
	logger, ring := logging.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.MaxBufferSize, bus)
	slog.SetDefault(logger)

	logger.Info("starting agpool gateway", "version", api.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	persister, err := newPersister(ctx, cfg.Storage)
	if err != nil {
		logger.Error("failed to open account storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}

	store := account.NewStore(cfgManager, persister, bus, logger)
	if err := store.Load(ctx); err != nil {
		logger.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}
	go store.Run(ctx)
	logger.Info("account pool loaded", "accounts", store.Len(), "strategy", store.Strategy())

	oauthClient := oauth.NewClient(fmt.Sprintf("http://localhost:%d", cfg.Server.Port), nil)

	models := quota.NewModelCache()
	fetcher := quota.NewFetcher(nil, store, oauthClient, models, cfgManager, logger)
	go fetcher.Run(ctx)

	translator := upstream.EnvelopeTranslator{}
	orchestrator := relay.NewOrchestrator(store, upstream.NewDispatcher(&http.Client{}), translator, oauthClient, cfgManager, logger)

	apiServer := api.NewServer(store, orchestrator, translator, models, fetcher, oauthClient, cfgManager, bus, ring, logger)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	cancel()
	logger.Info("server stopped")
}

func newPersister(ctx context.Context, storage config.StorageConfig) (account.Persister, error) {
	if storage.Backend == "redis" {
		return persist.NewRedisStore(ctx, storage.RedisAddr, storage.RedisKey)
	}
	return persist.NewFileStore(storage.AccountsFile)
}
