package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	apihandler "github.com/echolens/opinionmap/internal/api/handler"
	apimw "github.com/echolens/opinionmap/internal/api/middleware"
	"github.com/echolens/opinionmap/internal/auth"
	"github.com/echolens/opinionmap/internal/store"
)

// RouterDeps holds the router's wired dependencies.
type RouterDeps struct {
	Producer apihandler.Enqueuer
	Verifier *auth.Verifier // nil enables dev mode

	MinSampleSize int
	MaxSampleSize int
}

func NewRouter(logger *slog.Logger, s *store.Store, deps *RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(apimw.Logger(logger))
	r.Use(apimw.CORS)
	r.Use(chimw.Recoverer)

	// Health checks
	health := apihandler.NewHealthHandler(s.Pool())
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	if deps == nil {
		deps = &RouterDeps{}
	}

	authenticate := auth.DevModeMiddleware(logger)
	if deps.Verifier != nil {
		authenticate = auth.RequireAuth(deps.Verifier, logger)
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authenticate)

		sessions := apihandler.NewSessionHandler(logger, s, deps.Producer, deps.MinSampleSize, deps.MaxSampleSize)

		r.Route("/zones/{zoneID}/sessions", func(r chi.Router) {
			r.With(auth.RequireScope("opinionmap:read")).Get("/", sessions.List)
			r.With(auth.RequireScope("opinionmap:write")).Post("/", sessions.Create)
		})

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.With(auth.RequireScope("opinionmap:read")).Get("/", sessions.Get)
			r.With(auth.RequireScope("opinionmap:read")).Get("/result", sessions.Result)
			r.With(auth.RequireScope("opinionmap:write")).Post("/cancel", sessions.Cancel)
		})
	})

	return r
}
