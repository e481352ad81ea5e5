// Package server is the composition root for the maruntime runtime: store,
// tool catalog, selector, session service, worker pool, janitor and the
// HTTP surface, assembled into one ready-to-serve unit.
//
// It lives in pkg/ so an embedding binary can compose the runtime with its
// own store or middleware around the handler.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/maruntime/maruntime/internal/admin"
	"github.com/maruntime/maruntime/internal/api"
	"github.com/maruntime/maruntime/internal/config"
	"github.com/maruntime/maruntime/internal/driver"
	"github.com/maruntime/maruntime/internal/embeddings"
	"github.com/maruntime/maruntime/internal/gateway"
	"github.com/maruntime/maruntime/internal/pool"
	"github.com/maruntime/maruntime/internal/retention"
	"github.com/maruntime/maruntime/internal/selector"
	"github.com/maruntime/maruntime/internal/session"
	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/internal/telemetry"
	"github.com/maruntime/maruntime/internal/tools"
)

// Server holds the initialized runtime.
type Server struct {
	Handler http.Handler
	Store   store.Store
	Pool    *pool.Pool
	Config  *config.Config

	janitor      *retention.Janitor
	shutdownOTEL func(context.Context) error
}

// New initializes the runtime from the environment: PostgreSQL when
// DATABASE_URL is set, the in-memory store otherwise.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the runtime with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownOTEL, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		dataStore = pg
		log.Info().Msg("postgres store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("in-memory store initialized")
	}

	if err := tools.SeedBuiltins(ctx, dataStore); err != nil {
		return nil, fmt.Errorf("seed builtin tools: %w", err)
	}

	catalog := tools.NewCatalog(dataStore, tools.Deps{Turns: dataStore})

	embedders := embeddings.NewRegistry()
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		embedders.Register("openai", embeddings.NewOpenAIDriver(key, "text-embedding-3-small"))
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		embedders.Register("ollama", embeddings.NewOllamaDriver(endpoint, "nomic-embed-text"))
	}

	sel := selector.New(catalog, embedders)
	sessions := session.NewService(dataStore, sel)
	drv := driver.New(dataStore, catalog, sel)
	workers := pool.New(dataStore, drv)

	gw := gateway.New(dataStore, sessions, workers)
	adm := admin.New(dataStore, catalog, workers, embedders)
	router := api.NewRouter(cfg, dataStore, gw, adm)

	janitor := retention.NewJanitor(dataStore, cfg.Retention)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Pool:         workers,
		Config:       cfg,
		janitor:      janitor,
		shutdownOTEL: shutdownOTEL,
	}, nil
}

// Start launches the background machinery: auto-start workers and the
// retention janitor.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Pool.Start(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}
	if err := s.janitor.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	return nil
}

// Shutdown drains the pool, stops the janitor, flushes telemetry and closes
// the store.
func (s *Server) Shutdown(ctx context.Context) {
	s.Pool.Shutdown(ctx)
	s.janitor.Stop()
	if err := s.shutdownOTEL(ctx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}
}
