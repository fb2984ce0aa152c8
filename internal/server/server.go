// Package server wires the HTTP control surface of the runguard daemon.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/runguardhq/runguard/internal/config"
	"github.com/runguardhq/runguard/internal/server/handlers"
	"github.com/runguardhq/runguard/internal/server/middleware"
	"github.com/runguardhq/runguard/internal/version"
)

// Options tunes optional server behavior.
type Options struct {
	// ExecuteLimiter bounds execute-request admission. Nil disables
	// limiting.
	ExecuteLimiter *rate.Limiter

	// Timeouts for the underlying http.Server.
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Logger *zap.Logger
}

// OptionsFromConfig derives Options from the server config section.
func OptionsFromConfig(cfg config.ServerConfig, logger *zap.Logger) Options {
	var limiter *rate.Limiter
	if cfg.RateRPS > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), burst)
	}
	return Options{
		ExecuteLimiter:  limiter,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}
}

// Server is the runguard control server.
type Server struct {
	host   string
	port   int
	opts   Options
	router chi.Router
	http   *http.Server
	logger *zap.Logger
}

// New builds a Server with routes registered. The api carries the
// supervisor the endpoints act on.
func New(host string, port int, api *handlers.API, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		host:   host,
		port:   port,
		opts:   opts,
		logger: logger,
	}
	s.router = s.buildRouter(api)
	return s
}

func (s *Server) buildRouter(api *handlers.API) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(chimw.RealIP)

	r.NotFound(middleware.NotFound)
	r.MethodNotAllowed(middleware.MethodNotAllowed)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", s.versionHandler)

	r.Route("/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(s.opts.ExecuteLimiter)).
			Post("/execute", api.Execute)
		r.Get("/jobs", api.JobsList)
		r.Get("/jobs/{id}", api.JobStatus)
		r.Post("/jobs/{id}/cancel", api.JobCancel)
		r.Get("/context", api.TerminalContext)
		r.Post("/cleanup", api.Cleanup)
	})

	return r
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"version":%q,"commit":%q,"date":%q}`+"\n",
		version.Version, version.Commit, version.Date)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the host:port listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server listening", zap.String("addr", s.Addr()))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownTimeout := s.opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("control server shutting down")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
