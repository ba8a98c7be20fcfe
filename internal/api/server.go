// Package api exposes task creation, status and cancellation over HTTP,
// alongside health, stats and Prometheus endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"transferd/internal/engine"
	"transferd/internal/metrics"
	"transferd/internal/task"
)

// Pools reports in-flight transfers per protocol
type Pools interface {
	Inflight() map[task.Protocol]int
}

// Handles reports the transfer handles held by this server
type Handles interface {
	LiveHandles() int
}

// Server represents the HTTP server
type Server struct {
	addr     string
	router   *mux.Router
	service  *engine.Service
	metrics  *metrics.Collector
	pools    Pools
	handles  Handles
	serverID string
	logger   *zap.Logger
	started  time.Time
}

// NewServer creates a server. pools and handles may be nil.
func NewServer(addr, serverID string, service *engine.Service, metricsCollector *metrics.Collector, pools Pools, handles Handles, logger *zap.Logger) *Server {
	s := &Server{
		addr:     addr,
		router:   mux.NewRouter(),
		service:  service,
		metrics:  metricsCollector,
		pools:    pools,
		handles:  handles,
		serverID: serverID,
		logger:   logger,
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.recovery)
	s.router.Use(s.logging)

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/tasks", s.createTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", s.getTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/cancel", s.cancelTask).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
