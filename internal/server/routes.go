package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) RegisterRoutes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.Use(cors.New(s.corsConfig()))

	r.GET("/health", s.healthHandler)
	r.GET("/online", s.onlineHandler)

	if s.metrics != nil {
		r.GET(s.config.Metrics.Path, gin.WrapH(s.metrics))
	}

	fhir := r.Group("/fhir")
	fhir.POST("/$extract-data", s.ExtractDataHandler)
	fhir.GET("/__status", s.ListJobsHandler)
	fhir.GET("/__status/:id", s.JobStatusHandler)

	return r
}

// corsConfig allows every origin when none is configured
func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     s.config.CORS.AllowedOrigins,
		AllowMethods:     s.config.CORS.AllowedMethods,
		AllowHeaders:     s.config.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Location", "X-Progress"},
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           time.Duration(s.config.CORS.MaxAge) * time.Second,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	}
	if len(cfg.AllowMethods) == 0 {
		cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	return cfg
}
