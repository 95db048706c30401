// Package gateway implements the public edge process: it terminates client
// HTTP, enforces the CORS origin, validates export parameters, and forwards
// export requests to the API with a freshly minted service token, piping the
// response back without buffering.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/exportworks/excel-export/internal/api/middleware"
	"github.com/exportworks/excel-export/internal/apperr"
	"github.com/exportworks/excel-export/internal/auth"
	"github.com/exportworks/excel-export/internal/config"
	"github.com/exportworks/excel-export/internal/logging"
)

// Server is the gateway process's HTTP server.
type Server struct {
	engine    *gin.Engine
	server    *http.Server
	forwarder *Forwarder

	corsOrigin atomic.Value
}

// NewServer wires the gateway routes. Public paths map onto internal API
// paths; everything else is a 404.
func NewServer(cfg *config.Config) (*Server, error) {
	minter, err := auth.NewMinter(cfg.JWT.Secret, cfg.JWT.ExpiresIn.Std())
	if err != nil {
		return nil, err
	}
	forwarder, err := NewForwarder(cfg.APIBaseURL(), minter, cfg.ProxyURL)
	if err != nil {
		return nil, err
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	s := &Server{engine: engine, forwarder: forwarder}
	s.corsOrigin.Store(cfg.CORSOrigin)

	engine.Use(middleware.RequestID())
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.CORS(s.CORSOrigin))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// public path -> internal API path
	engine.GET("/exports/report", func(c *gin.Context) {
		forwarder.Forward(c, "/export/report")
	})
	engine.GET("/exports/report-buffered", func(c *gin.Context) {
		forwarder.Forward(c, "/export/report-buffered")
	})

	engine.NoRoute(func(c *gin.Context) {
		apperr.WriteJSON(c, apperr.New(apperr.CodeNotFound, "not found"), false)
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AppPort),
		Handler: engine,
	}
	return s, nil
}

// CORSOrigin returns the currently allowed origin.
func (s *Server) CORSOrigin() string {
	return s.corsOrigin.Load().(string)
}

// UpdateConfig applies the reloadable subset of a new configuration.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.corsOrigin.Store(cfg.CORSOrigin)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// ProbeUpstream checks the export API's health endpoint once and logs the
// outcome. Startup diagnostics only; the gateway serves either way.
func (s *Server) ProbeUpstream(ctx context.Context) {
	status, err := s.forwarder.ProbeHealth(ctx)
	if err != nil {
		log.Warnf("gateway: export API unreachable: %v", err)
		return
	}
	log.Infof("gateway: export API healthy, status %q", status)
}

// Start serves until Stop is called or the listener fails. Blocking.
func (s *Server) Start() error {
	log.Infof("gateway listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	log.Info("stopping gateway")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

// ProbeHealth fetches the upstream health endpoint and extracts its status
// field.
func (f *Forwarder) ProbeHealth(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/health", nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := readAllLimited(resp.Body, 4096)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway: health endpoint returned %d", resp.StatusCode)
	}
	return gjson.GetBytes(body, "status").String(), nil
}
