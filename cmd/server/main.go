// maruntime server: persistent multi-agent runtime.
//
// Serves the OpenAI-compatible gateway on /v1, the operator API on
// /admin/v1, and runs the instance pool plus retention janitor in-process.
// Configuration is environment-driven; without DATABASE_URL the runtime
// runs on the in-memory store.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maruntime/maruntime/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("server initialization failed")
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("background startup failed")
	}

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", srv.Config.Port),
		Handler:     srv.Handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown failed")
		}
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", srv.Config.Port).Msg("maruntime listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
