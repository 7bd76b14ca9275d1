package server

import (
	"fmt"
	"net/http"
	"time"

	"torch/internal/config"
	"torch/internal/controller"
)

type Server struct {
	sc      controller.ServerController
	jc      controller.JobController
	metrics http.Handler
	config  config.Config
}

// New builds the HTTP server. metrics may be nil when metrics are disabled.
func New(config config.Config, sc controller.ServerController, jc controller.JobController, metrics http.Handler) *http.Server {
	server := Server{
		sc:      sc,
		jc:      jc,
		metrics: metrics,
		config:  config,
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%v", config.Port),
		Handler:      server.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
