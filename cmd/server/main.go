package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/JonMunkholm/opmerge/internal/application"
	"github.com/JonMunkholm/opmerge/internal/config"
	"github.com/JonMunkholm/opmerge/internal/logging"
	"github.com/JonMunkholm/opmerge/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"master", cfg.Ingest.MasterPath,
		"domestic_code", cfg.Ingest.DomesticCode,
		"match_policy", cfg.Ingest.MatchPolicy,
		"schema_check", cfg.Dataset.SchemaCheck,
		"warehouse_enabled", cfg.Database.WarehouseEnabled(),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()
	pipeline, err := application.Build(ctx, cfg, application.Options{
		Registry:  reg,
		Warehouse: true,
	})
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	server := web.NewServer(pipeline.WebDeps(), cfg)

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// A merge is never interrupted; give the running job the rest of
		// the shutdown budget.
		if job, ok := pipeline.Coordinator.Current(); ok {
			slog.Info("waiting for job to finish", "job_id", job.ID, "progress", job.Progress)
		}
		if err := pipeline.Coordinator.WaitIdle(shutdownCtx); err != nil {
			slog.Warn("job did not finish before shutdown", "error", err)
		}
	}()

	if err := server.Start(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-stopped
	slog.Info("server stopped")
}
