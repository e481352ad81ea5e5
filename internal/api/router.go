// Package api composes the HTTP surface: the OpenAI-compatible gateway
// under /v1 and the operator CRUD surface under /admin/v1.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/maruntime/maruntime/internal/admin"
	"github.com/maruntime/maruntime/internal/config"
	"github.com/maruntime/maruntime/internal/gateway"
	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/pkg/middleware"
)

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(cfg *config.Config, st store.Store, gw *gateway.Gateway, adm *admin.Admin) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Session-Id", "X-Session-Error"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler(st))
	r.Get("/version", versionHandler(cfg))

	r.Route("/v1", gw.Routes)
	r.Route("/admin/v1", adm.Routes)

	return r
}

func healthHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := st.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "maruntime",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
		})
	}
}
