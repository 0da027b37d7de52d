package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/torquebay/api/internal/platform/httpx"
)

// RouteRegistrar registers a group of routes.
type RouteRegistrar func(r chi.Router)

// Option customises the router.
type Option func(*routerConfig)

const (
	defaultAPIPrefix = "/api/v1"
	defaultTimeout   = 60 * time.Second
)

type groupName int

const (
	groupMe groupName = iota
	groupAdmin
	groupInternal
	groupCount
)

var groupPaths = [groupCount]string{
	groupMe:       "/me",
	groupAdmin:    "/admin",
	groupInternal: "/internal",
}

type routeGroup struct {
	registrar RouteRegistrar
	guards    []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      [groupCount]routeGroup
}

// NewRouter builds the chi router: shared middleware, health checks and the /me, /admin
// and /internal groups under /api/v1. Groups without a registrar answer 501.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	health := cfg.health
	if health == nil {
		health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	useAll(r, cfg.middlewares)
	r.NotFound(routeNotFound)
	r.MethodNotAllowed(methodNotAllowed)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for name, group := range cfg.groups {
			path := groupPaths[name]
			api.Route(path, group.mount(path))
		}
	})
	return r
}

func (g routeGroup) mount(path string) func(chi.Router) {
	return func(r chi.Router) {
		useAll(r, g.guards)
		if g.registrar != nil {
			g.registrar(r)
			return
		}
		stub := notImplemented(path)
		r.HandleFunc("/", stub)
		r.HandleFunc("/*", stub)
	}
}

func useAll(r chi.Router, mw []func(http.Handler) http.Handler) {
	for _, m := range mw {
		if m != nil {
			r.Use(m)
		}
	}
}

func routeNotFound(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", r.URL.Path), http.StatusNotFound))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("%s is not allowed on %s", r.Method, r.URL.Path), http.StatusMethodNotAllowed))
}

func notImplemented(group string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s endpoints are not configured", group), http.StatusNotImplemented))
	}
}

// WithMiddlewares appends global middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithMeRoutes registers the customer endpoints.
func WithMeRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.groups[groupMe].registrar = reg }
}

// WithAdminRoutes registers the staff endpoints.
func WithAdminRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.groups[groupAdmin].registrar = reg }
}

// WithInternalRoutes registers the scheduler endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.groups[groupInternal].registrar = reg }
}

// WithInternalMiddlewares guards the /internal group, typically with OIDC.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := &cfg.groups[groupInternal]
		g.guards = append(g.guards, mw...)
	}
}
