package httpserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trellis/internal/middleware"
)

// Route keys accepted in Config.Routes.
const (
	RouteHealth    = "health"
	RouteMetrics   = "metrics"
	RouteNotify    = "notify"
	RouteHistory   = "history"
	RouteResolve   = "resolve"
	RouteSchedules = "schedules"
)

// RouteKeys lists every key Config.Routes may use.
var RouteKeys = []string{RouteHealth, RouteMetrics, RouteNotify, RouteHistory, RouteResolve, RouteSchedules}

func (s *Server) router(cfg Config) (http.Handler, error) {
	r := chi.NewRouter()

	for key := range cfg.Routes {
		if !knownRoute(key) {
			return nil, fmt.Errorf("http.routes: unknown route %q", key)
		}
	}

	// mount wraps h in the pipeline configured for key.
	var err error
	mount := func(key string, h http.HandlerFunc) http.Handler {
		if err != nil {
			return h
		}
		refs := cfg.Routes[key]
		if len(refs) == 0 || s.deps.Registry == nil {
			return h
		}
		var built http.Handler
		built, err = s.deps.Registry.Build(h, middleware.Names(refs...)...)
		if err != nil {
			err = fmt.Errorf("route %s: %w", key, err)
			return h
		}
		return built
	}

	r.Method(http.MethodGet, "/healthz", mount(RouteHealth, s.handleHealth))
	r.Method(http.MethodGet, "/metrics", mount(RouteMetrics, promhttp.Handler().ServeHTTP))

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodPost, "/notify", mount(RouteNotify, s.handleNotify))
		r.Method(http.MethodGet, "/notify/history", mount(RouteHistory, s.handleHistory))
		r.Method(http.MethodGet, "/middleware/resolve", mount(RouteResolve, s.handleResolve))
		r.Method(http.MethodGet, "/schedules", mount(RouteSchedules, s.handleSchedules))
		r.Method(http.MethodPost, "/schedules/{name}/run", mount(RouteSchedules, s.handleRunSchedule))
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})

	if err != nil {
		return nil, err
	}
	s.mountPprof(r, cfg)
	return r, nil
}

func knownRoute(key string) bool {
	for _, k := range RouteKeys {
		if k == key {
			return true
		}
	}
	return false
}
