package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"torch/internal/app"
	"torch/internal/config"
	"torch/internal/server"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := os.Getenv("TORCH_CONFIG")
	if configPath == "" {
		configPath = "config/config.json"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return
	}

	app.SetupLogger(cfg.Logging)
	log.Info().Str("env", cfg.Env).Msg("Starting torch")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		return
	}
	defer a.Close()

	if err := a.Jobs.ProcessJobs(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start work unit processing")
		return
	}
	go a.RunSweeps(ctx)

	srv := server.New(*cfg, a.Health, a.Jobs, a.MetricsHandler())
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	a.Jobs.StopProcessing()
	log.Info().Msg("Stopped")
}
