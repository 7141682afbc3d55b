package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/toolbridge/toolbridge/internal/api/handlers"
	"github.com/toolbridge/toolbridge/internal/api/middleware"
	"github.com/toolbridge/toolbridge/internal/auth"
	"github.com/toolbridge/toolbridge/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, pipeline *auth.Pipeline, limiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(limiter.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-KEY", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))

	r.Route("/v1", func(r chi.Router) {
		// Agent-facing routes, authenticated by API key
		r.Group(func(r chi.Router) {
			r.Use(middleware.AgentAuth(pipeline))

			r.Route("/apps", func(r chi.Router) {
				r.Get("/search", h.SearchApps)
				r.Get("/{appName}", h.GetApp)
			})

			r.Route("/functions", func(r chi.Router) {
				r.Get("/search", h.SearchFunctions)
				r.Get("/{functionName}/definition", h.GetFunctionDefinition)
				r.Post("/{functionName}/execute", h.ExecuteFunction)
			})

			r.Route("/app-configurations", func(r chi.Router) {
				r.Post("/", h.CreateAppConfiguration)
				r.Get("/", h.ListAppConfigurations)
				r.Route("/{appName}", func(r chi.Router) {
					r.Get("/", h.GetAppConfiguration)
					r.Patch("/", h.UpdateAppConfiguration)
					r.Delete("/", h.DeleteAppConfiguration)
				})
			})

			r.Route("/linked-accounts", func(r chi.Router) {
				r.Get("/", h.ListLinkedAccounts)
				r.Get("/oauth2", h.StartOAuth2Flow)
				r.Post("/api-key", h.CreateAPIKeyLinkedAccount)
				r.Post("/no-auth", h.CreateNoAuthLinkedAccount)
				r.Post("/default", h.CreateDefaultCredsLinkedAccount)
				r.Route("/{linkedAccountID}", func(r chi.Router) {
					r.Get("/", h.GetLinkedAccount)
					r.Patch("/", h.UpdateLinkedAccount)
					r.Delete("/", h.DeleteLinkedAccount)
				})
			})
		})

		// Provider redirects land here with only the signed state to go on
		r.Get("/linked-accounts/oauth2/callback", h.FinishOAuth2Flow)

		// Management surface; deployments front this with operator auth
		r.Route("/projects", func(r chi.Router) {
			r.Post("/", h.CreateProject)
			r.Get("/", h.ListProjects)
			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", h.GetProject)
				r.Delete("/", h.DeleteProject)
				r.Route("/agents", func(r chi.Router) {
					r.Post("/", h.CreateAgent)
					r.Get("/", h.ListAgents)
					r.Route("/{agentID}", func(r chi.Router) {
						r.Patch("/", h.UpdateAgent)
						r.Delete("/", h.DeleteAgent)
					})
				})
			})
		})
	})

	return r
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "toolbridge-control-plane",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "toolbridge-control-plane",
		})
	}
}
