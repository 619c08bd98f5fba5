// Package debugapi exposes the operator-facing diagnostic surface: storage
// statistics, forced cleanup passes, destructive resets, and error-history
// aggregates. It is not part of the normal application flow.
package debugapi

import (
	"net/http"

	"chat/streamkit/internal/chaterr"
	"chat/streamkit/internal/config"
	"chat/streamkit/internal/stream"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(cfg config.Config, store *stream.StateStore, errs *chaterr.Handler) http.Handler {
	h := NewHandler(cfg, store, errs)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/v1/debug", func(debug chi.Router) {
		debug.Route("/streams", func(streams chi.Router) {
			streams.Get("/stats", h.StreamStats)
			streams.Get("/recoverable", h.RecoverableStreams)
			streams.Post("/cleanup", h.CleanupStreams)
			streams.Delete("/", h.ClearStreams)
		})
		debug.Get("/errors/stats", h.ErrorStats)
	})

	return r
}
