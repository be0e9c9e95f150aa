package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/foliocms/folio/pkg/audit"
	"github.com/foliocms/folio/pkg/auth"
	"github.com/foliocms/folio/pkg/httputil"
	"github.com/foliocms/folio/pkg/middleware"
	"github.com/foliocms/folio/pkg/observability"
)

// Server represents the gateway HTTP server
type Server struct {
	router *mux.Router

	authenticator *middleware.Authenticator
	authorizer    *middleware.Authorizer
	rateLimit     *middleware.RateLimitMiddleware
	usage         *audit.Middleware

	keyHandlers     *KeyHandlers
	contentHandlers *ContentHandlers
}

// Deps holds everything the server needs. Health, Metrics and Registry are
// optional; the corresponding endpoints are skipped when nil.
type Deps struct {
	Authenticator *middleware.Authenticator
	Authorizer    *middleware.Authorizer
	RateLimit     *middleware.RateLimitMiddleware
	Usage         *audit.Middleware

	KeyStore     auth.KeyStore
	ContentStore *ContentStore

	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
}

// NewServer creates the gateway server and sets up all routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:          mux.NewRouter(),
		authenticator:   deps.Authenticator,
		authorizer:      deps.Authorizer,
		rateLimit:       deps.RateLimit,
		usage:           deps.Usage,
		keyHandlers:     NewKeyHandlers(deps.KeyStore),
		contentHandlers: NewContentHandlers(deps.ContentStore),
	}
	s.setupRoutes(deps)
	return s
}

// setupRoutes configures the middleware chain and all API routes.
//
// Order matters: authentication runs before usage recording so records carry
// the verified subject, and usage recording runs before rate limiting so
// throttled requests still show up in the usage stream. Rate limiting runs
// before per-route permission resolution, keeping the membership store behind
// the throttle; a request denied for permissions still spends quota.
func (s *Server) setupRoutes(deps Deps) {
	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(httputil.RecoveryMiddleware)
	if deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	}

	if deps.Health != nil {
		s.router.HandleFunc("/health/live", deps.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/health/ready", deps.Health.Readiness).Methods("GET")
	}
	if deps.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(deps.Registry)).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticator.Handler)
	api.Use(s.usage.Handler)
	api.Use(s.rateLimit.Handler)

	tenant := api.PathPrefix("/tenants/{tenant}").Subrouter()

	// Key management. Listing and lifecycle changes need tenant admin;
	// issuance resolves the caller's ceiling inside the handler.
	keys := tenant.PathPrefix("/keys").Subrouter()
	keys.Handle("", s.resolve(s.keyHandlers.Create)).Methods("POST")
	keys.Handle("", s.require(auth.LevelAdmin, s.keyHandlers.List)).Methods("GET")
	keys.Handle("/{id}", s.require(auth.LevelAdmin, s.keyHandlers.Get)).Methods("GET")
	keys.Handle("/{id}/block", s.require(auth.LevelAdmin, s.keyHandlers.Block)).Methods("POST")
	keys.Handle("/{id}/unblock", s.require(auth.LevelAdmin, s.keyHandlers.Unblock)).Methods("POST")
	keys.Handle("/{id}/revoke", s.require(auth.LevelAdmin, s.keyHandlers.Revoke)).Methods("POST")

	// Content workflow.
	content := tenant.PathPrefix("/content").Subrouter()
	content.Handle("", s.require(auth.LevelWrite, s.contentHandlers.Create)).Methods("POST")
	content.Handle("", s.require(auth.LevelRead, s.contentHandlers.List)).Methods("GET")
	content.Handle("/{id}", s.require(auth.LevelRead, s.contentHandlers.Get)).Methods("GET")
	content.Handle("/{id}", s.require(auth.LevelWrite, s.contentHandlers.Update)).Methods("PUT")
	content.Handle("/{id}", s.require(auth.LevelWrite, s.contentHandlers.Delete)).Methods("DELETE")
	content.Handle("/{id}/transition", s.resolve(s.contentHandlers.Transition)).Methods("POST")
}

// require wraps a handler with a minimum effective level on the request's
// tenant.
func (s *Server) require(level auth.PermissionLevel, h http.HandlerFunc) http.Handler {
	return s.authorizer.RequireLevel(level)(h)
}

// resolve wraps a handler that does its own capability checks on the
// resolved effective permission.
func (s *Server) resolve(h http.HandlerFunc) http.Handler {
	return s.authorizer.Resolve(h)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router for additional registrations.
func (s *Server) Router() *mux.Router {
	return s.router
}
