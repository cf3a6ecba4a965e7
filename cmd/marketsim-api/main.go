package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketsim/internal/api"
	"marketsim/internal/auth"
	"marketsim/internal/config"
	"marketsim/internal/game"
	"marketsim/internal/metrics"
	"marketsim/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.LoadDotEnv()
	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	sessions, closeStore, err := store.Open(ctx, cfg.CoreConfig, logger)
	if err != nil {
		logger.Error("store open failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	verifier, err := auth.NewCachedVerifier(
		auth.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseAnonKey),
		cfg.AuthCacheSize,
		cfg.AuthCacheTTL,
	)
	if err != nil {
		logger.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	gameSvc := game.NewService(sessions, logger,
		game.WithDefaults(cfg.Defaults),
		game.WithConcurrency(cfg.BatchConcurrency),
		game.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
	)

	server := api.New(logger, verifier, gameSvc, prometheus.DefaultGatherer)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("marketsim api listening", "addr", cfg.Addr, "store", cfg.Store)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
