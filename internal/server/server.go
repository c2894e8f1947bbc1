// Package server wires the HTTP surface: routing, middleware, and
// lifecycle.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/millwork/taskmill/internal/errors"
	"github.com/millwork/taskmill/internal/server/handlers"
	"github.com/millwork/taskmill/internal/server/middleware"
)

// Server hosts the scheduler API.
type Server struct {
	host   string
	port   int
	router chi.Router
	logger *zap.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// New builds the server and registers all routes.
func New(host string, port int, api *handlers.API, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusNotFound,
			apperrors.CodeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusMethodNotAllowed,
			apperrors.CodeMethodNotAllowed, "method not allowed", nil)
	})

	r.Get("/health", api.Health)
	r.Get("/version", api.VersionHandler)
	if api.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", api.Metrics.Handler())
	}

	r.Post("/map/build", api.MapBuild)
	r.Get("/map/v1/query", api.MapQuery)

	r.Post("/pins/v1/build", api.PinsBuild)
	r.Post("/preflight/v1/check", api.PreflightCheck)

	r.Post("/tasks/v1/enqueue", api.TaskEnqueue)

	r.Route("/executor", func(r chi.Router) {
		r.Post("/workers/register", api.WorkerRegister)
		r.Get("/workers/{id}/claim", api.WorkerClaim)
		r.Post("/workers/{id}/heartbeat", api.WorkerHeartbeat)
		r.Get("/jobs/{id}", api.JobGet)
		r.Post("/jobs/{id}/cancel", api.JobCancel)
		r.Post("/jobs/{id}/complete", api.JobComplete)
	})

	r.Get("/verdict", api.VerdictGet)

	r.Get("/factory/policy", api.FactoryPolicyGet)
	r.Get("/factory/degradation", api.FactoryDegradationGet)

	return &Server{
		host:   host,
		port:   port,
		router: r,
		logger: logger,
	}
}

// SetTimeouts overrides the HTTP server timeouts. The write timeout
// must exceed the longest claim long-poll.
func (s *Server) SetTimeouts(read, write time.Duration) {
	s.readTimeout = read
	s.writeTimeout = write
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	readTimeout := s.readTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := s.writeTimeout
	if writeTimeout <= 0 {
		// Claim long-polls are bounded at 60s; leave headroom.
		writeTimeout = 90 * time.Second
	}

	srv := &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", s.Addr()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}
