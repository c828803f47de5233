package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/portal28/academy/internal/automation"
	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/segmentation"
)

// SegmentService evaluates segments.
type SegmentService interface {
	Evaluate(ctx context.Context, segmentID string) (*segmentation.EvaluationResult, error)
	EvaluateAll(ctx context.Context) (*segmentation.BatchResult, error)
	CheckPerson(ctx context.Context, segmentID, personID string) (*segmentation.MembershipCheck, error)
}

// PersonDirectory resolves an email to a person.
type PersonDirectory interface {
	GetByEmail(ctx context.Context, email string) (*domain.Person, error)
}

// EnrollmentService manages automation enrollments.
type EnrollmentService interface {
	Enroll(ctx context.Context, in automation.EnrollInput) (*automation.EnrollResult, error)
	EnrollByTrigger(ctx context.Context, in automation.TriggerInput) ([]automation.TriggerResult, error)
	Pause(ctx context.Context, enrollmentID string) (*domain.AutomationEnrollment, error)
	Resume(ctx context.Context, enrollmentID string) (*domain.AutomationEnrollment, error)
	Stats(ctx context.Context, automationID string) (*automation.Stats, error)
}

// StepScheduler runs one scheduler pass.
type StepScheduler interface {
	RunOnce(ctx context.Context) (*automation.RunResult, error)
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Segments       SegmentService
	Enrollments    EnrollmentService
	Scheduler      StepScheduler
	Persons        PersonDirectory
	Health         *HealthChecker
	AllowedOrigins []string
}

// Server represents the API server
type Server struct {
	handler  http.Handler
	router   *chi.Mux
	handlers *Handlers
	server   *http.Server
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	h := NewHandlers(deps)
	health := deps.Health
	if health == nil {
		health = NewHealthChecker(nil, nil)
	}
	router := SetupRoutes(h, health, deps.AllowedOrigins)
	return &Server{handler: router, router: router, handlers: h}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// segment evaluation of a large audience can take a while
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
