package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"Runway/internal/config"
	"Runway/internal/middleware"
	"Runway/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CheckFunc reports whether a dependency is ready
type CheckFunc func(ctx context.Context) error

type Server struct {
	config     *config.Config
	component  string
	store      *store.Store
	registry   *prometheus.Registry
	logger     *slog.Logger
	routes     map[string]http.Handler
	checks     map[string]CheckFunc
	httpServer *http.Server
}

// New creates a new API server. st may be nil when the binary keeps no journal.
func New(
	cfg *config.Config,
	component string,
	st *store.Store,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	return &Server{
		config:    cfg,
		component: component,
		store:     st,
		registry:  registry,
		logger:    logger.With("component", "api-server"),
		routes:    make(map[string]http.Handler),
		checks:    make(map[string]CheckFunc),
	}
}

// Handle registers an additional route, such as the webhook endpoint
func (s *Server) Handle(pattern string, h http.Handler) {
	s.routes[pattern] = h
}

// AddReadinessCheck registers a dependency checked by the readiness endpoint
func (s *Server) AddReadinessCheck(name string, check CheckFunc) {
	s.checks[name] = check
}

// Handler builds the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health and readiness endpoints
	mux.HandleFunc(s.config.Observability.HealthCheckPath, s.handleHealth)
	mux.HandleFunc(s.config.Observability.ReadinessPath, s.handleReadiness)

	// Metrics endpoint
	if s.config.Observability.EnableMetrics {
		mux.Handle(s.config.Observability.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// API v1 endpoints
	mux.HandleFunc("/api/v1/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/v1/events", s.authMiddleware(s.handleEvents))

	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}

	return middleware.WithLogger(s.logger)(mux)
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.logger.Error("readiness check failed", "check", name, "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"check":  name,
				"error":  err.Error(),
			})
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"timestamp":        time.Now().Format(time.RFC3339),
		"component":        s.component,
		"min_runners":      s.config.Scaling.MinRunners,
		"max_runners":      s.config.Scaling.MaxRunners,
		"org_runners":      s.config.Scaling.EnableOrganizationRunners,
		"launch_templates": s.config.Scaling.LaunchTemplates,
		"provider":         s.config.Provider.Type,
		"dry_run":          s.config.DryRun,
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || !s.config.Store.Enabled {
		s.writeError(w, http.StatusNotFound, "store not enabled", nil)
		return
	}

	decisions := s.store.Recent(100)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(decisions),
		"decisions": decisions,
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Server.EnableAuth {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}

		if apiKey != s.config.Server.APIKey {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}
