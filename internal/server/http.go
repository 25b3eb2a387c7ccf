package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"codechat/config"
	"codechat/internal/core"
)

const defaultMetricsPath = "/metrics"

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	MasterKey       string       // Optional: Master key for authentication
	MetricsEnabled  bool         // Whether to expose the metrics endpoint
	MetricsEndpoint string       // HTTP path for metrics endpoint (default: /metrics)
	MetricsHandler  http.Handler // Serves the metrics endpoint
	BodySizeLimit   int64        // Max request body size in bytes (default: 10MB)
	// HealthCheck reports backend reachability on /health; nil always passes.
	HealthCheck func(ctx context.Context) error
	// Completer serves /v1/complete; nil leaves the route unregistered.
	Completer Completer
}

// New creates a new HTTP server. rules may be nil, which leaves the risk
// check route unregistered.
func New(session ChatSession, rules RuleSource, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(session, rules, cfg.HealthCheck)
	handler.completer = cfg.Completer

	authSkipPaths := []string{"/health"}

	metricsPath := ""
	if cfg.MetricsEnabled && cfg.MetricsHandler != nil {
		metricsPath = resolveMetricsPath(cfg.MetricsEndpoint)
		authSkipPaths = append(authSkipPaths, metricsPath)
	}

	// Global middleware stack (order matters)
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(core.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(requestLogger())
	e.Use(middleware.Recover())

	bodySizeLimit := cfg.BodySizeLimit
	if bodySizeLimit <= 0 {
		bodySizeLimit, _ = config.ParseBodySizeLimit(config.DefaultBodySizeLimit)
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))

	if cfg.MasterKey != "" {
		e.Use(requireMasterKey(cfg.MasterKey, authSkipPaths))
	}

	// Public routes
	e.GET("/health", handler.Health)
	if metricsPath != "" {
		e.GET(metricsPath, echo.WrapHandler(cfg.MetricsHandler))
	}

	// API routes
	e.POST("/v1/chat", handler.Chat)
	e.GET("/v1/messages", handler.Messages)
	e.DELETE("/v1/session", handler.ClearSession)
	e.POST("/v1/session/abort", handler.AbortReply)
	if rules != nil {
		e.POST("/v1/risk/check", handler.RiskCheck)
	}
	if cfg.Completer != nil {
		e.POST("/v1/complete", handler.Complete)
	}

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// resolveMetricsPath cleans a configured metrics path. Paths that would
// shadow API routes fall back to /metrics.
func resolveMetricsPath(endpoint string) string {
	if endpoint == "" {
		return defaultMetricsPath
	}
	p := path.Clean("/" + endpoint)
	if p == "/" || p == "/health" || p == "/v1" || strings.HasPrefix(p, "/v1/") {
		slog.Warn("metrics endpoint conflicts with API routes, using default", "configured", endpoint, "path", defaultMetricsPath)
		return defaultMetricsPath
	}
	return p
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				slog.Error("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			slog.Info("request", attrs...)
			return nil
		},
	})
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
