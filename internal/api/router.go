package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensorpulse/internal/middleware"
)

// NewRouter mounts the measurement API, health, stats and metrics endpoints.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/measurements", h.PostMeasurement)
		r.Post("/measurements/batch", h.PostBatch)
		r.Get("/equipment/{id}/measurements", h.GetEquipmentMeasurements)
		r.Get("/sensors/{id}/measurements", h.GetSensorMeasurements)
	})

	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
