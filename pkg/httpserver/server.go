// Package httpserver exposes proptrack's debug/health HTTP surface: a
// /health endpoint that pings Postgres and the LLM server, and a /metrics
// endpoint serving the Prometheus registry, in the style of the teacher's
// cmd/tarsy gin router (SPEC_FULL.md §4.14).
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/desertdata/proptrack/pkg/repository"
)

// LLMHealthChecker is the slice of llm.Client this package needs.
type LLMHealthChecker interface {
	Health(ctx context.Context) bool
}

// Config tunes the HTTP surface.
type Config struct {
	Addr string
	Mode string // gin.DebugMode, gin.ReleaseMode; defaults to release
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":9090"
	}
	if c.Mode == "" {
		c.Mode = gin.ReleaseMode
	}
	return c
}

// Server wraps a gin engine and the underlying net/http.Server so callers
// can start it in the background and shut it down gracefully.
type Server struct {
	cfg    Config
	engine *gin.Engine
	srv    *http.Server
}

// New builds a Server. gatherer is typically a *prometheus.Registry built
// alongside the metrics.Registry the rest of the app reports into.
func New(cfg Config, repo repository.Repository, llmHealth LLMHealthChecker, gatherer prometheus.Gatherer) *Server {
	cfg = cfg.withDefaults()
	gin.SetMode(cfg.Mode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbErr := repo.Ping(reqCtx)
		llmHealthy := llmHealth.Health(reqCtx)

		status := http.StatusOK
		body := gin.H{
			"status":   "healthy",
			"database": "ok",
			"llm":      "ok",
		}
		if dbErr != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["database"] = dbErr.Error()
		}
		if !llmHealthy {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["llm"] = "unreachable"
		}
		c.JSON(status, body)
	})

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return &Server{
		cfg:    cfg,
		engine: engine,
		srv:    &http.Server{Addr: cfg.Addr, Handler: engine},
	}
}

// Start runs the server in the background. Call Shutdown to stop it.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
