// Package server provides the coordinator's HTTP server.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ailightning/ailightning/coordinator/internal/config"
	apperrors "github.com/ailightning/ailightning/coordinator/internal/errors"
	"github.com/ailightning/ailightning/coordinator/internal/handler"
	"github.com/ailightning/ailightning/coordinator/internal/health"
	"github.com/ailightning/ailightning/coordinator/internal/metrics"
	"github.com/ailightning/ailightning/coordinator/internal/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	sessions     *handler.SessionHandler
	nodes        *handler.NodeHandler
	chat         *handler.ChatHandler
	healthCheck  *health.HealthChecker
	errorHandler *apperrors.Handler
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.Config,
	sessions handler.Sessions,
	registry handler.Registry,
	healthCheck *health.HealthChecker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()
	errorHandler := apperrors.NewHandler(logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	s := &Server{
		router:       router,
		httpServer:   httpServer,
		sessions:     handler.NewSessionHandler(sessions, errorHandler, cfg.Sessions.RequestTimeout, logger),
		nodes:        handler.NewNodeHandler(registry, errorHandler, logger),
		chat:         handler.NewChatHandler(sessions, errorHandler, cfg.Sessions.RequestTimeout, logger),
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, s.metrics),
	}
	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.Burst,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}
	s.router.Use(middleware.Chain(middlewareChain...))

	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// node control plane
	v1.HandleFunc("/nodes/register", s.nodes.Register).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{node_id}/heartbeat", s.nodes.Heartbeat).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{node_id}", s.nodes.Unregister).Methods(http.MethodDelete)
	v1.HandleFunc("/nodes", s.nodes.ListNodes).Methods(http.MethodGet)

	// sessions
	v1.HandleFunc("/sessions", s.sessions.CreateSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{session_id}/check-payment", s.sessions.CheckPayment).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{session_id}", s.sessions.GetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{session_id}/completion", s.sessions.Completion).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{session_id}/chat", s.chat.ServeWS).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{session_id}/stop", s.sessions.StopSession).Methods(http.MethodPost)
	v1.HandleFunc("/users/{user_id}/balance", s.sessions.GetBalance).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apperrors.ErrorCodeNotFound, "endpoint not found", r.Header.Get("X-Request-ID"))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apperrors.ErrorCodeInvalidRequest, "method not allowed", r.Header.Get("X-Request-ID"))
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
