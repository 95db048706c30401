// Package api implements the export service's HTTP surface: the bearer-
// protected export endpoints, the health probe, and the statistics endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/exportworks/excel-export/internal/apperr"
	"github.com/exportworks/excel-export/internal/api/middleware"
	"github.com/exportworks/excel-export/internal/auth"
	"github.com/exportworks/excel-export/internal/config"
	"github.com/exportworks/excel-export/internal/export"
	"github.com/exportworks/excel-export/internal/logging"
	"github.com/exportworks/excel-export/internal/stats"
)

// Server is the export API process's HTTP server.
type Server struct {
	engine *gin.Engine
	server *http.Server
	cfg    *config.Config

	corsOrigin atomic.Value
	handler    *ExportHandler
}

// NewServer wires the export API: routes, middleware, and handlers. streamer
// supplies report rows and recorder receives per-export statistics; recorder
// may be nil.
func NewServer(cfg *config.Config, streamer export.Streamer, recorder *stats.Recorder) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg.JWT.Secret)
	if err != nil {
		return nil, err
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	s := &Server{
		engine: engine,
		cfg:    cfg,
		handler: NewExportHandler(
			export.NewController(streamer, cfg.IsDevelopment()),
			streamer,
			recorder,
			cfg.IsDevelopment(),
		),
	}
	s.corsOrigin.Store(cfg.CORSOrigin)

	engine.Use(middleware.RequestID())
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.CORS(s.CORSOrigin))

	engine.GET("/health", healthHandler)

	protected := engine.Group("/export")
	protected.Use(middleware.BearerAuth(verifier))
	{
		protected.GET("/report", s.handler.StreamReport)
		protected.GET("/report-buffered", s.handler.BufferedReport)
		protected.GET("/stats", s.handler.Stats)
	}

	engine.NoRoute(func(c *gin.Context) {
		apperr.WriteJSON(c, apperr.New(apperr.CodeNotFound, "not found"), false)
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: engine,
	}
	return s, nil
}

// CORSOrigin returns the currently allowed origin; hot-reloaded on config
// change.
func (s *Server) CORSOrigin() string {
	return s.corsOrigin.Load().(string)
}

// UpdateConfig applies the reloadable subset of a new configuration.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.corsOrigin.Store(cfg.CORSOrigin)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Stop is called or the listener fails. Blocking.
func (s *Server) Start() error {
	log.Infof("export API listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully, letting in-flight exports finish
// within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	log.Info("stopping export API")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": nowISO8601(),
	})
}
