package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const healthTimeout = 3 * time.Second

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	components, failures := s.sc.Health(ctx)

	checks := gin.H{}
	for _, name := range components {
		checks[name] = failures[name] == nil
	}
	for name, err := range failures {
		log.Warn().Err(err).Str("component", name).Msg("Health check failed")
	}

	res := gin.H{
		"checks":      checks,
		"activeUnits": s.jc.ActiveUnits(),
	}

	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) onlineHandler(c *gin.Context) {
	online := s.sc.Online()

	c.String(http.StatusOK, online)
}
