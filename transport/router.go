package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter registers the service routes. metrics serves /metrics.
func NewRouter(h *Handler, metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/v1/cloud-storage/convert", func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/finish", h.FinishConvert)
		r.Post("/watch", h.WatchConvert)
	})

	return r
}
