// Package api serves the admin HTTP interface: call control and inspection,
// backend and selector provisioning, and the Prometheus scrape endpoint.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosspoint/crosspoint/internal/api/middleware"
	"github.com/crosspoint/crosspoint/internal/call"
	"github.com/crosspoint/crosspoint/internal/calls"
	"github.com/crosspoint/crosspoint/internal/store"
)

// CallController is the call-control surface the API exposes. Implemented by
// the calls manager.
type CallController interface {
	PlaceCall(handle string, contact call.ContactInfo) (string, bool)
	Answer(callID string)
	Reject(callID string)
	Disconnect(callID string)
	ListCalls() []calls.Snapshot
	GetCall(callID string) (calls.Snapshot, bool)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	controller CallController
	backends   store.BackendRepository
	selectors  store.SelectorRepository
	admins     store.AdminUserRepository
	jwtSecret  []byte
	registry   *prometheus.Registry
}

// NewServer creates the HTTP handler with all routes mounted. registry may
// be nil to disable the metrics endpoint.
func NewServer(
	controller CallController,
	backends store.BackendRepository,
	selectors store.SelectorRepository,
	admins store.AdminUserRepository,
	jwtSecret []byte,
	registry *prometheus.Registry,
) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		controller: controller,
		backends:   backends,
		selectors:  selectors,
		admins:     admins,
		jwtSecret:  jwtSecret,
		registry:   registry,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(false))

	apiLimiter := middleware.NewIPRateLimiter(middleware.APILimits())
	authLimiter := middleware.NewIPRateLimiter(middleware.AuthLimits())

	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			s.registry, promhttp.HandlerOpts{},
		))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(authLimiter))
			r.Post("/setup", s.handleSetup)
			r.Post("/auth/login", s.handleLogin)
		})

		// Protected admin routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(apiLimiter))
			r.Use(middleware.RequireAdminAuth(s.jwtSecret))

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Post("/", s.handlePlaceCall)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Post("/answer", s.handleAnswerCall)
					r.Post("/reject", s.handleRejectCall)
					r.Post("/disconnect", s.handleDisconnectCall)
				})
			})

			r.Route("/backends", func(r chi.Router) {
				r.Get("/", s.handleListBackends)
				r.Post("/", s.handleCreateBackend)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetBackend)
					r.Put("/", s.handleUpdateBackend)
					r.Delete("/", s.handleDeleteBackend)
				})
			})

			r.Route("/selectors", func(r chi.Router) {
				r.Get("/", s.handleListSelectors)
				r.Post("/", s.handleCreateSelector)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetSelector)
					r.Put("/", s.handleUpdateSelector)
					r.Delete("/", s.handleDeleteSelector)
				})
			})
		})
	})

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
