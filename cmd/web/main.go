package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediagrab/internal/artifact"
	"mediagrab/internal/config"
	"mediagrab/internal/handlers"
	"mediagrab/internal/hub"
	"mediagrab/internal/models"
	"mediagrab/internal/orchestrator"
	"mediagrab/internal/pubsub"
	"mediagrab/internal/registry"
	"mediagrab/internal/ytdlp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.OutputsDir, 0o755); err != nil {
		logger.Error("failed to create outputs dir", "dir", cfg.OutputsDir, "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	wsHub := hub.New(logger, func(jobID string) []models.Job {
		if jobID == "" {
			return reg.List("")
		}
		if job, ok := reg.Get(jobID); ok {
			return []models.Job{job}
		}
		return nil
	})

	publishers := pubsub.Multi{wsHub}
	var redisPub *pubsub.Redis
	if cfg.RedisURL != "" {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := pubsub.Connect(pingCtx, cfg.RedisURL)
		pingCancel()
		if err != nil {
			logger.Error("redis unavailable", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		redisPub = pubsub.NewRedis(logger, rdb, cfg.RedisChannel)
		publishers = append(publishers, redisPub)
		logger.Info("publishing job updates to redis", "channel", cfg.RedisChannel)
	}

	client := ytdlp.NewClient(logger, cfg.YtdlpBin, cfg.ProbeTimeout)
	orch := orchestrator.New(
		logger,
		reg,
		client,
		client,
		artifact.NewResolver(cfg.OutputsDir, cfg.ArtifactRetryDelay),
		publishers,
		orchestrator.Config{
			MaxConcurrent:    cfg.MaxConcurrent,
			DownloadTimeout:  cfg.DownloadTimeout,
			ProgressInterval: cfg.ProgressInterval,
		},
	)

	app := handlers.NewApp(logger, orch, wsHub, cfg.OutputsDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.StartCleanupLoop(ctx, cfg.CleanupInterval, cfg.JobTTL)

	// No WriteTimeout: websocket streams and large artifact downloads outlive any fixed
	// deadline. The JSON API is bounded by the router's Timeout middleware.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", cfg.Addr, "outputs_dir", cfg.OutputsDir, "ytdlp", client.Bin())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("jobs did not stop in time", "error", err)
	}
	wsHub.Close()
	if redisPub != nil {
		redisPub.Close()
	}
	logger.Info("server stopped")
}
