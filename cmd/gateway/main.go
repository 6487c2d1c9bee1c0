package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatgw/internal/admission"
	"chatgw/internal/billing"
	"chatgw/internal/config"
	"chatgw/internal/gateway"
	"chatgw/internal/history"
	"chatgw/internal/idempotency"
	"chatgw/internal/metrics"
	"chatgw/internal/providers"
	"chatgw/internal/providers/registry"
	"chatgw/internal/resilience"
	"chatgw/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("default_provider", cfg.Provider.Default).
		Bool("persist", cfg.Persist.Enabled).
		Msg("starting chatgw")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	var cache idempotency.Cache
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		cache = idempotency.NewRedisCache(rdb, cfg.Idem.TTL)
	} else {
		log.Warn().Msg("no redis configured; local idempotency cache is not safe across instances")
		cache = idempotency.NewLocalCache(cfg.Idem.LocalSize, cfg.Idem.TTL)
	}

	breakers := resilience.NewRegistry(cfg.Resilient.BreakerFailMax, cfg.Resilient.BreakerCooldown)
	retryCfg := resilience.RetryConfig{
		MaxAttempts: cfg.Resilient.MaxAttempts,
		BackoffBase: cfg.Resilient.BackoffBase,
		BackoffCap:  cfg.Resilient.BackoffCap,
	}

	httpClient := &http.Client{Timeout: cfg.Provider.Timeout}
	defaultProvider, err := registry.Build(registry.BuildOptions{
		Name:         cfg.Provider.Default,
		Kind:         cfg.Provider.Kind,
		BaseURL:      cfg.Provider.BaseURL,
		APIKey:       cfg.Provider.APIKey,
		BodyTemplate: cfg.Provider.BodyTemplate,
		Method:       cfg.Provider.Method,
		HTTPClient:   httpClient,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build provider")
	}

	resolver, err := registry.NewResolver(cfg.Provider.Default, map[string]providers.Provider{
		cfg.Provider.Default: resilience.Wrap(defaultProvider, breakers.Get(cfg.Provider.Default), retryCfg),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build resolver")
	}

	usage := billing.NewReporter(cfg.Usage.CallbackURL, cfg.Usage.CallbackAuth, log.Logger)

	m := metrics.Global()
	service := gateway.NewService(gateway.Config{
		Admission:      admission.NewController(cfg.Rate.PerWindow, cfg.Rate.Window),
		Cache:          cache,
		Resolver:       resolver,
		Store:          store,
		Recorder:       history.NewRecorder(store, log.Logger),
		Usage:          usage,
		Metrics:        m,
		Logger:         log.Logger,
		StreamTimeout:  cfg.Stream.Timeout,
		PersistEnabled: cfg.Persist.Enabled,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	service.Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	usage.Flush()

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
