// Package server exposes the session lifecycle over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the listener.
type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`
	// RequestTimeout bounds a whole request; keep it above the assessment
	// pipeline timeout.
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"6m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		RequestTimeout:  6 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
	}
}

// RegisterRoutes mounts the API below rg.
//
//	POST /sessions
//	GET  /sessions/:id
//	POST /sessions/:id/link
//	PUT  /sessions/:id/transcript
//	POST /sessions/:id/transcript/refresh
//	POST /sessions/:id/assess
//	GET  /questions
//	GET  /employees/:id/questions
//	GET  /employees/:id/mastery
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.HandleStartSession)
		sessions.GET("/:id", h.HandleGetSession)
		sessions.POST("/:id/link", h.HandleLink)
		sessions.PUT("/:id/transcript", h.HandleSubmitTranscript)
		sessions.POST("/:id/transcript/refresh", h.HandleRefreshTranscript)
		sessions.POST("/:id/assess", h.HandleAssess)
	}

	rg.GET("/questions", h.HandleQuestions)

	employees := rg.Group("/employees/:id")
	{
		employees.GET("/questions", h.HandleEmployeeQuestions)
		employees.GET("/mastery", h.HandleMastery)
	}
}

// NewRouter builds the engine with the API under /api, plus /healthz and,
// when gatherer is non-nil, /metrics.
func NewRouter(h *Handlers, gatherer prometheus.Gatherer, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", h.HandleHealth)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	RegisterRoutes(r.Group("/api"), h)
	return r
}

// requestLogger tags each request with an id and logs its outcome.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)

		c.Next()

		logger.Info("http request",
			"request_id", id,
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Server owns the HTTP listener.
type Server struct {
	cfg    Config
	http   *http.Server
	logger *slog.Logger
}

// New wraps handler in an http.Server configured from cfg.
func New(cfg Config, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout > 0 {
		handler = http.TimeoutHandler(handler, cfg.RequestTimeout, `{"error":"request timed out","code":"TIMEOUT"}`)
	}
	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
