// Package http provides the amplifierd HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/services"
)

// Server provides HTTP endpoints for amplifierd.
type Server struct {
	echo     *echo.Echo
	services services.Registry
	logger   *zap.Logger
	config   *Config
	upgrader websocket.Upgrader
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// APIKey, when set, is required on every route except /health and
	// /metrics, as a bearer token, an X-API-Key header or an api_key query
	// parameter. It is the admin key; keys issued under /api/v1/admin/keys
	// are accepted too but cannot reach admin routes.
	APIKey string

	// Version is reported by /health.
	Version string

	// EventHeartbeat is the keep-alive interval on event streams.
	EventHeartbeat time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(reg services.Registry, logger *zap.Logger, cfg *Config) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("service registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8420,
		}
	}
	if cfg.EventHeartbeat <= 0 {
		cfg.EventHeartbeat = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	if cfg.APIKey != "" {
		var keys keyVerifier
		if h := reg.History(); h != nil {
			keys = h
		}
		e.Use(apiKeyAuth(cfg.APIKey, keys, logger))
	}

	s := &Server{
		echo:     e,
		services: reg,
		logger:   logger,
		config:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Device clients are native apps, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.GET("/ws/device/:id", s.handleDeviceSocket)
	s.echo.GET("/ws/chat/:session_id", s.handleChatSocket)

	v1 := s.echo.Group("/api/v1")

	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.DELETE("/sessions/:id", s.handleStopSession)
	v1.PATCH("/sessions/:id/metadata", s.handleSetMetadata)
	v1.POST("/sessions/:id/execute", s.handleExecute)
	v1.POST("/sessions/:id/inject", s.handleInject)
	v1.POST("/sessions/:id/clear", s.handleClear)
	v1.GET("/sessions/:id/history", s.handleHistory)
	v1.GET("/sessions/:id/summary", s.handleSummary)

	v1.GET("/devices", s.handleListDevices)
	v1.GET("/devices/:id", s.handleGetDevice)

	v1.POST("/notifications/ingest", s.handleIngest)
	v1.POST("/notifications/push", s.handlePush)
	v1.GET("/notifications/suppressed", s.handleSuppressed)
	v1.GET("/notifications/recent", s.handleRecent)

	v1.GET("/focus", s.handleGetFocus)
	v1.PUT("/focus", s.handleSetFocus)

	v1.POST("/rules/vips", s.handleAddVIP)
	v1.DELETE("/rules/vips/:sender", s.handleRemoveVIP)
	v1.POST("/rules/keywords", s.handleAddKeyword)

	v1.GET("/hooks", s.handleListHooks)
	v1.GET("/events", s.handleEvents)

	admin := v1.Group("/admin", s.requireAdmin)
	admin.POST("/keys", s.handleCreateKey)
	admin.GET("/keys", s.handleListKeys)
	admin.DELETE("/keys/:id", s.handleRevokeKey)
}

// handleHealth returns liveness and registry counts.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.config.Version,
		Sessions: s.services.Sessions().Count(),
		Devices:  s.services.Devices().Count(),
		Hooks:    len(s.services.Hooks().List()),
		Bus:      s.services.Bus() != nil && s.services.Bus().IsConnected(),
	})
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// bindJSON decodes the request body, mapping failures to 400.
func bindJSON(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
