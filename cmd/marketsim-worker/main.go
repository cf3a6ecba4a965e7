package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketsim/internal/config"
	"marketsim/internal/game"
	"marketsim/internal/metrics"
	"marketsim/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// The worker never advances session time; advancement happens only when a
// session is observed. It backfills missing sessions and audits drift.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.LoadDotEnv()
	cfg, err := config.LoadWorkerFromEnv()
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

	opts := []game.Option{
		game.WithDefaults(cfg.Defaults),
		game.WithConcurrency(cfg.BatchConcurrency),
		game.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
	}
	svc := game.NewService(sessions, logger, opts...)
	rec := game.NewReconciler(sessions, logger, opts...)

	if cfg.RunOnce {
		if err := runMaintenance(ctx, logger, svc, rec, cfg.AutoRepair); err != nil {
			logger.Error("maintenance failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	if cfg.MetricsAddr != "" {
		metricsServer := newMetricsServer(cfg.MetricsAddr, prometheus.DefaultGatherer)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "err", err)
			}
		}()
	}

	ticker := time.NewTicker(cfg.Every)
	defer ticker.Stop()

	logger.Info("worker started", "every", cfg.Every.String(), "auto_repair", cfg.AutoRepair, "metrics_addr", cfg.MetricsAddr)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			if err := runMaintenance(ctx, logger, svc, rec, cfg.AutoRepair); err != nil {
				logger.Error("maintenance failed", "err", err)
			}
		}
	}
}

func runMaintenance(ctx context.Context, logger *slog.Logger, svc *game.Service, rec *game.Reconciler, autoRepair bool) error {
	if _, err := svc.BulkBackfill(ctx); err != nil {
		return err
	}

	reports, err := rec.AuditAll(ctx)
	if err != nil {
		return err
	}
	drifted := 0
	for _, r := range reports {
		if r.Drift {
			drifted++
			logger.Warn("session drift detected",
				"session_id", r.SessionID,
				"player_id", r.PlayerID,
				"current", r.CurrentGameDate,
				"expected", r.ExpectedDate,
			)
		}
	}
	logger.Info("audit complete", "sessions", len(reports), "drifted", drifted)
	if drifted == 0 || !autoRepair {
		return nil
	}

	repaired, err := rec.RepairAll(ctx)
	if err != nil {
		return err
	}
	logger.Info("drift repaired", "sessions", len(repaired))
	return nil
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
