package controller

import (
	"context"
	"sort"

	"torch/internal/cache"
	"torch/internal/database"
	"torch/internal/rabbitmq"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

type ServerController interface {
	Online() string
	// Health runs every registered check and returns the failures by component
	Health(ctx context.Context) (components []string, failures map[string]error)
}

type serverController struct {
	checks map[string]HealthCheck
}

// NewServer registers the checks of the configured dependencies. cache may be
// nil when the service runs without Redis.
func NewServer(db database.Database, c cache.Cache, rabbit rabbitmq.Client, extra map[string]HealthCheck) ServerController {
	checks := map[string]HealthCheck{
		"database": func(ctx context.Context) error { return db.Health() },
		"rabbitmq": func(ctx context.Context) error { return rabbit.Health() },
	}
	if c != nil {
		checks["cache"] = c.Ping
	}
	for name, check := range extra {
		checks[name] = check
	}
	return &serverController{checks: checks}
}

func (sc *serverController) Online() string {
	return "Online"
}

func (sc *serverController) Health(ctx context.Context) ([]string, map[string]error) {
	components := make([]string, 0, len(sc.checks))
	for name := range sc.checks {
		components = append(components, name)
	}
	sort.Strings(components)

	failures := map[string]error{}
	for _, name := range components {
		if err := sc.checks[name](ctx); err != nil {
			failures[name] = err
		}
	}
	return components, failures
}
