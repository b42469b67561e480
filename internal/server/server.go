// Package server exposes the agent over HTTP and WebSocket: task submission,
// listing, cancellation, screenshots, the live-browser endpoint and the
// event-stream socket the UI renders from.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/internal/bus"
	"github.com/likeaw/ai-web-agent-industrial/internal/config"
	"github.com/likeaw/ai-web-agent-industrial/internal/registry"
)

// Server is the HTTP/WebSocket surface over the task registry and event bus.
type Server struct {
	cfg      config.ServerConfig
	registry *registry.Registry
	events   *bus.Bus
	logger   *zap.Logger
	echo     *echo.Echo
}

// New wires the routes.
func New(cfg config.ServerConfig, reg *registry.Registry, events *bus.Bus, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		events:   events,
		logger:   logger.Named("http_server"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.POST("/tasks", s.createTask)
	e.GET("/tasks", s.listTasks)
	e.GET("/tasks/:id", s.getTask)
	e.POST("/tasks/:id/stop", s.stopTask)
	e.GET("/tasks/:id/screenshot", s.screenshot)
	e.GET("/tasks/:id/cdp-url", s.cdpURL)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ws", s.handleWS)

	s.echo = e
	return s
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.ListenAddr))
	err := s.echo.Start(s.cfg.ListenAddr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type createTaskRequest struct {
	Description string `json:"description"`
	Headless    bool   `json:"headless"`
}

func (s *Server) createTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Description == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "description must not be empty")
	}

	exec, err := s.registry.Create(req.Description, registry.Options{Headless: &req.Headless})
	if err != nil {
		s.logger.Error("Task creation failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, exec)
}

func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"tasks": s.registry.List()})
}

func (s *Server) getTask(c echo.Context) error {
	exec, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, exec)
}

func (s *Server) stopTask(c echo.Context) error {
	if err := s.registry.Stop(c.Param("id")); err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) screenshot(c echo.Context) error {
	data, err := s.registry.Screenshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.Blob(http.StatusOK, "image/png", data)
}

func (s *Server) cdpURL(c echo.Context) error {
	url, status, message, err := s.registry.CDPInfo(c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	resp := map[string]any{"url": url, "status": string(status)}
	if message != "" {
		resp["message"] = message
	}
	return c.JSON(http.StatusOK, resp)
}

func taskError(err error) error {
	if errors.Is(err, registry.ErrTaskNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
