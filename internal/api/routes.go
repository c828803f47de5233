package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

var defaultOrigins = []string{"https://portal28.academy", "http://localhost:3000"}

// SetupRoutes configures the router.
func SetupRoutes(h *Handlers, health *HealthChecker, origins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	if len(origins) == 0 {
		origins = defaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", health.HandleHealth)
	r.Get("/health/ready", health.HandleReadiness)
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/segments", func(r chi.Router) {
			r.Post("/evaluate", h.EvaluateAllSegments)
			r.Post("/{id}/evaluate", h.EvaluateSegment)
			r.Get("/{id}/check", h.CheckSegmentMember)
		})
		r.Route("/automations", func(r chi.Router) {
			r.Post("/trigger", h.Trigger)
			r.Post("/scheduler/run", h.RunScheduler)
			r.Post("/{id}/enroll", h.Enroll)
			r.Get("/{id}/stats", h.AutomationStats)
		})
		r.Route("/enrollments", func(r chi.Router) {
			r.Post("/{id}/pause", h.PauseEnrollment)
			r.Post("/{id}/resume", h.ResumeEnrollment)
		})
	})

	return r
}
