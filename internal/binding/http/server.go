// Package http is the HTTP Binding Adapter (spec.md §4.10, §6.1): it
// accepts inbound oneM2M primitives carried over HTTP, maps X-M2M-* headers
// and query parameters onto a dispatcher.Request, calls the Dispatcher, and
// serializes the normalized Response back onto the wire.
//
// Built around a Gin engine with a recovery, logging, metrics, and
// rate-limit middleware chain, and a graceful Start/Shutdown pair driven
// off context cancellation.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ankraft/acme-cse/internal/config"
	"github.com/ankraft/acme-cse/internal/dispatcher"
	"github.com/ankraft/acme-cse/internal/logging"
)

// Server is the HTTP binding adapter.
type Server struct {
	config     *config.Config
	logger     *logging.Logger
	dispatcher *dispatcher.Dispatcher
	router     *gin.Engine
	httpServer *http.Server
	metrics    *Metrics
	validator  *openAPIValidator
}

// Metrics holds the Prometheus metrics for the HTTP binding, mirroring the
// teacher's request-count/duration/active-requests trio.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
}

// New constructs a Server wired against disp. The OpenAPI document at
// cfg.Server.OpenAPISpecPath (if set) is loaded and validated fail-fast: a
// malformed document is a startup error, not a runtime surprise.
func New(cfg *config.Config, disp *dispatcher.Dispatcher, logger *logging.Logger) (*Server, error) {
	gin.SetMode(cfg.Server.GinMode)
	router := gin.New()

	var validator *openAPIValidator
	if cfg.Server.OpenAPISpecPath != "" {
		v, err := newOpenAPIValidator(cfg.Server.OpenAPISpecPath)
		if err != nil {
			return nil, fmt.Errorf("load openapi spec: %w", err)
		}
		validator = v
	}

	srv := &Server{
		config:     cfg,
		logger:     logger,
		dispatcher: disp,
		router:     router,
		metrics:    newMetrics(cfg),
		validator:  validator,
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	return srv, nil
}

func newMetrics(cfg *config.Config) *Metrics {
	if !cfg.Observability.Metrics.Enabled {
		return nil
	}

	namespace := cfg.Observability.Metrics.Namespace
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled by the binding adapter",
			},
			[]string{"method", "path", "rsc"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "rsc"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_active",
				Help:      "Number of in-flight HTTP requests",
			},
		),
	}

	prometheus.MustRegister(m.RequestsTotal, m.RequestDuration, m.ActiveRequests)
	return m
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.recoveryMiddleware())
	s.router.Use(s.loggingMiddleware())
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware())
	}
	if s.config.Security.RateLimitEnabled {
		s.router.Use(s.rateLimitMiddleware())
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReadiness)

	if s.config.Observability.Metrics.Enabled {
		s.router.GET(s.config.Observability.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	// oneM2M primitives arrive against the CSE's own structured path and
	// any resource path beneath it. Gin rejects a root catch-all route
	// beside the static routes above, so every other path, for every HTTP
	// method, falls through to NoRoute, which passes the request path on
	// as the "path" parameter and so covers every addressing form from
	// model.ParseAddress.
	s.router.NoRoute(func(c *gin.Context) {
		c.Params = append(c.Params, gin.Param{Key: "path", Value: c.Request.URL.Path})
		s.handlePrimitive(c)
	})
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully within the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		IdleTimeout:    s.config.Server.IdleTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP binding adapter", zap.String("address", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("http binding adapter error: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the HTTP server, waiting for in-flight requests
// to finish up to server.shutdown_timeout. The bound is that setting alone;
// cse.request_expiration_delta plays no part in it.
func (s *Server) Shutdown() error {
	s.logger.Info("initiating HTTP binding adapter shutdown",
		zap.Duration("timeout", s.config.Server.ShutdownTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http binding adapter shutdown failed: %w", err)
	}
	return nil
}

// Router exposes the underlying Gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.LogDispatch(c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Seconds())
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.metrics.ActiveRequests.Inc()
		defer s.metrics.ActiveRequests.Dec()

		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Header().Get("X-M2M-RSC")
		if status == "" {
			status = fmt.Sprintf("%d", c.Writer.Status())
		}

		s.metrics.RequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		s.metrics.RequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
	}
}

// rateLimitMiddleware is a fixed-window limiter keyed by originator,
// adequate for the single-process deployments this build targets; a
// distributed deployment would back this with Redis instead, but no
// component currently exercises that path.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	limiter := newFixedWindowLimiter(s.config.Security.RateLimitRequests, s.config.Security.RateLimitWindow)
	return func(c *gin.Context) {
		key := c.GetHeader("X-M2M-Origin")
		if key == "" {
			key = c.ClientIP()
		}
		if !limiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadiness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
