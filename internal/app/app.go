// Package app wires the configured infrastructure into the dispatcher. Both
// binaries build on it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"torch/internal/aws"
	"torch/internal/cache"
	"torch/internal/config"
	"torch/internal/controller"
	"torch/internal/database"
	"torch/internal/extraction"
	"torch/internal/metrics"
	"torch/internal/orchestrator"
	"torch/internal/rabbitmq"
	"torch/pkg/fhir"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// App holds every long lived dependency of the service
type App struct {
	Config   *config.Config
	DB       database.Database
	Rabbit   rabbitmq.Client
	Cache    cache.Cache
	FHIR     *fhir.Client
	Bundles  *aws.BundleStore
	Metrics  *metrics.Collector
	Registry orchestrator.UnitRegistry
	Jobs     controller.JobController
	Health   controller.ServerController
}

func SetupLogger(config config.LoggingConfig) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	switch config.Format {
	case "json":
		// JSON is the default for zerolog
	case "console", "combined":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	log.Logger = log.With().Timestamp().Logger()
}

// New connects to the configured infrastructure. With env=local the job state
// and the queue live in memory and Redis is skipped.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Registry: orchestrator.NewUnitRegistry()}

	var bundles database.BundleStore
	if cfg.S3.Bucket != "" {
		store, err := aws.NewBundleStore(ctx, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.Prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bundle store: %w", err)
		}
		a.Bundles = store
		bundles = store
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("S3 bundle store initialized")
	}

	if cfg.IsLocal() {
		a.DB = database.NewMemory(bundles)
		a.Rabbit = rabbitmq.NewLocalClient()
		log.Warn().Msg("Running with in-memory job state and queue")
	} else {
		db, err := database.New(cfg, bundles)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.DB = db
		log.Info().Msg("Database connection established")

		rabbit, err := rabbitmq.NewClientFromConfig(cfg.RabbitMQ)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize rabbitmq: %w", err)
		}
		a.Rabbit = rabbit

		if cfg.Redis.Address != "" {
			redisCache, err := cache.NewRedisCache(cfg.Redis)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize redis cache connection: %w", err)
			}
			a.Cache = redisCache
			log.Info().Msg("Redis connection established")
		}
	}

	a.FHIR = fhir.New(cfg.FHIR.BaseURL, cfg.FHIR.PageSize, cfg.FHIR.RequestsPerMinute, time.Duration(cfg.FHIR.Timeout)*time.Second)

	var cohort orchestrator.CohortQuery = fhir.NewFlareClient(cfg.Flare.BaseURL, time.Duration(cfg.Flare.Timeout)*time.Second)
	if a.Cache != nil {
		cohort = cache.NewCachedCohortQuery(cohort, a.Cache, time.Duration(cfg.Redis.CohortTTL)*time.Second)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewCollector(reg)

	work := orchestrator.WorkContext{
		Persistence: a.DB,
		Extraction:  extraction.NewService(a.FHIR, cfg.FHIR.MaxConcurrency),
		Cohort:      cohort,
		Pool:        orchestrator.NewBlockingPool(cfg.Jobs.PoolSize),
		Recorder:    a.Metrics,
	}
	a.Jobs = controller.NewJobController(a.DB, a.Rabbit, cfg.RabbitMQ, cfg.Jobs, work, a.Registry, a.Metrics)

	checks := map[string]controller.HealthCheck{}
	if cfg.FHIR.BaseURL != "" {
		checks["fhir"] = a.FHIR.Metadata
	}
	if a.Bundles != nil {
		checks["s3"] = a.Bundles.Health
	}
	a.Health = controller.NewServer(a.DB, a.Cache, a.Rabbit, checks)

	return a, nil
}

// MetricsHandler returns nil when metrics are disabled
func (a *App) MetricsHandler() http.Handler {
	if !a.Config.Metrics.Enabled {
		return nil
	}
	return a.Metrics.Handler()
}

// RunSweeps sweeps on the configured interval until ctx ends
func (a *App) RunSweeps(ctx context.Context) {
	interval := a.Config.Jobs.SweepEvery()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Recovery sweep scheduled")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Jobs.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Sweep failed")
			}
		}
	}
}

// Close releases the connections in reverse order of New
func (a *App) Close() {
	if a.FHIR != nil {
		a.FHIR.Close()
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close cache")
		}
	}
	if a.Rabbit != nil {
		if err := a.Rabbit.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close rabbitmq")
		}
	}
}
