package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nightdesk/syncd/internal/config"
	"github.com/nightdesk/syncd/internal/engine"
)

func main() {
	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	eng := engine.New(cfg, log)

	// Local diagnostics endpoint
	if cfg.StatusAddr != "" {
		go func() {
			if err := serveStatus(cfg.StatusAddr, eng, log); err != nil {
				log.Error().Err(err).Msg("status server error")
			}
		}()
	}

	// Handle shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down...")
		eng.Shutdown()
		cancel()
	}()

	if err := eng.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("sync engine error")
	}
}

// serveStatus exposes read-only diagnostics on a loopback address.
func serveStatus(addr string, eng *engine.Engine, log zerolog.Logger) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Get("/api/state", func(w http.ResponseWriter, _ *http.Request) {
		status := eng.Status()
		writeJSON(w, map[string]any{
			"connection":        status.State.String(),
			"reconnecting":      status.Reconnecting,
			"offline":           status.Offline,
			"cached_entities":   eng.Store().Len(),
			"pending_mutations": eng.PendingMutations(),
			"online_users":      eng.OnlineUsers(),
		})
	})

	r.Get("/api/entities/{entityID}", func(w http.ResponseWriter, req *http.Request) {
		entry, ok := eng.Store().Read(chi.URLParam(req, "entityID"))
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"kind":       entry.Entity.EntityKind(),
			"source":     entry.Source,
			"updated_at": entry.UpdatedAt,
			"entity":     entry.Entity,
		})
	})

	r.Get("/api/entities", func(w http.ResponseWriter, _ *http.Request) {
		entries := eng.Store().All()
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			ids = append(ids, entry.Entity.EntityID())
		}
		writeJSON(w, map[string]any{"count": len(ids), "ids": ids})
	})

	log.Info().Str("addr", addr).Msg("status server listening")
	return http.ListenAndServe(addr, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
