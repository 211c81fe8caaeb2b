// Package server exposes the status API of a player process: health,
// version and the snapshots of the sessions it runs.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/errors"
	"github.com/zsiec/playcore/internal/health"
	"github.com/zsiec/playcore/internal/logger"
	"github.com/zsiec/playcore/internal/player"
	"github.com/zsiec/playcore/internal/registry"
	"github.com/zsiec/playcore/internal/session"
)

// Sessions is the view of the local sessions served by the API.
// *player.Manager satisfies it.
type Sessions interface {
	Snapshots() []session.Snapshot
	Lookup(id string) (session.Snapshot, bool)
	SinkUsage(id string) (map[string]int, bool)
	Control(ctx context.Context, id string, cmd player.Command) (session.Snapshot, error)
}

// Server is the status HTTP server.
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	httpServer   *http.Server
	logger       *logrus.Logger
	healthMgr    *health.Manager
	errorHandler *errors.ErrorHandler
	sessions     Sessions
	registry     registry.Registry

	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a server over sessions. reg may be nil when no registry is
// configured; the fleet endpoints then answer 503.
func New(cfg *config.ServerConfig, log *logrus.Logger, healthMgr *health.Manager, sessions Sessions, reg registry.Registry) *Server {
	s := &Server{
		config:       cfg,
		router:       mux.NewRouter(),
		logger:       log,
		healthMgr:    healthMgr,
		errorHandler: errors.NewErrorHandler(log),
		sessions:     sessions,
		registry:     reg,
		closing:      make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(s.config.Port))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.WithField("addr", ln.Addr().String()).Info("Starting status server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the server within the configured timeout.
func (s *Server) Shutdown() error {
	s.closeOnce.Do(func() { close(s.closing) })
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down status server")

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info("Status server shutdown complete")
	return nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(logger.RequestLoggerMiddleware(s.logger))
	s.router.Use(s.errorHandler.Middleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)

	healthHandler := health.NewHandler(s.healthMgr)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods(http.MethodGet)
	s.router.HandleFunc("/version", healthHandler.HandleVersion).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/sinks", s.handleSinkUsage).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/control", s.handleControl).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/stream/sessions", s.handleSessionStream).Methods(http.MethodGet)
	api.HandleFunc("/registry/sessions", s.handleListRegistry).Methods(http.MethodGet)
	api.HandleFunc("/registry/sessions/{id}", s.handleGetRegistry).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

// Router returns the router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}
