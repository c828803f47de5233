package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/portal28/academy/internal/automation"
	"github.com/portal28/academy/internal/pkg/httputil"
	"github.com/portal28/academy/internal/pkg/logger"
)

// Handlers holds the services behind each route.
type Handlers struct {
	segments    SegmentService
	enrollments EnrollmentService
	scheduler   StepScheduler
	persons     PersonDirectory
}

// NewHandlers creates handlers. Any service may be nil; its routes then
// answer 503.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		segments:    deps.Segments,
		enrollments: deps.Enrollments,
		scheduler:   deps.Scheduler,
		persons:     deps.Persons,
	}
}

func unavailable(w http.ResponseWriter, what string) {
	httputil.Error(w, http.StatusServiceUnavailable, what+" not configured")
}

// EvaluateSegment handles POST /api/segments/{id}/evaluate
func (h *Handlers) EvaluateSegment(w http.ResponseWriter, r *http.Request) {
	if h.segments == nil {
		unavailable(w, "segmentation")
		return
	}
	res, err := h.segments.Evaluate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, res)
}

// EvaluateAllSegments handles POST /api/segments/evaluate
func (h *Handlers) EvaluateAllSegments(w http.ResponseWriter, r *http.Request) {
	if h.segments == nil {
		unavailable(w, "segmentation")
		return
	}
	res, err := h.segments.EvaluateAll(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, res)
}

// CheckSegmentMember handles GET /api/segments/{id}/check?person_id=|email=
// and reports whether the person currently matches the segment and whether
// they hold an active membership. Memberships are not changed.
func (h *Handlers) CheckSegmentMember(w http.ResponseWriter, r *http.Request) {
	if h.segments == nil {
		unavailable(w, "segmentation")
		return
	}
	personID := r.URL.Query().Get("person_id")
	if personID == "" {
		email := r.URL.Query().Get("email")
		if email == "" {
			httputil.BadRequest(w, "person_id or email is required")
			return
		}
		if h.persons == nil {
			unavailable(w, "person lookup")
			return
		}
		p, err := h.persons.GetByEmail(r.Context(), email)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		personID = p.ID
	}

	res, err := h.segments.CheckPerson(r.Context(), chi.URLParam(r, "id"), personID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, res)
}

type enrollRequest struct {
	Email          string         `json:"email"`
	PersonID       string         `json:"person_id,omitempty"`
	TriggerContext map[string]any `json:"trigger_context,omitempty"`
}

// Enroll handles POST /api/automations/{id}/enroll. A new enrollment is 201,
// an existing one 200.
func (h *Handlers) Enroll(w http.ResponseWriter, r *http.Request) {
	if h.enrollments == nil {
		unavailable(w, "automations")
		return
	}
	var req enrollRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	res, err := h.enrollments.Enroll(r.Context(), automation.EnrollInput{
		AutomationID:   chi.URLParam(r, "id"),
		Email:          req.Email,
		PersonID:       req.PersonID,
		TriggerContext: req.TriggerContext,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if res.Created {
		httputil.Created(w, res)
		return
	}
	httputil.OK(w, res)
}

// Trigger handles POST /api/automations/trigger
func (h *Handlers) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.enrollments == nil {
		unavailable(w, "automations")
		return
	}
	var in automation.TriggerInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	results, err := h.enrollments.EnrollByTrigger(r.Context(), in)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if results == nil {
		results = []automation.TriggerResult{}
	}
	httputil.OK(w, map[string]any{"event": in.Event, "results": results})
}

// RunScheduler handles POST /api/automations/scheduler/run
func (h *Handlers) RunScheduler(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	res, err := h.scheduler.RunOnce(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, res)
}

// AutomationStats handles GET /api/automations/{id}/stats
func (h *Handlers) AutomationStats(w http.ResponseWriter, r *http.Request) {
	if h.enrollments == nil {
		unavailable(w, "automations")
		return
	}
	s, err := h.enrollments.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, s)
}

// PauseEnrollment handles POST /api/enrollments/{id}/pause
func (h *Handlers) PauseEnrollment(w http.ResponseWriter, r *http.Request) {
	if h.enrollments == nil {
		unavailable(w, "automations")
		return
	}
	e, err := h.enrollments.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, e)
}

// ResumeEnrollment handles POST /api/enrollments/{id}/resume
func (h *Handlers) ResumeEnrollment(w http.ResponseWriter, r *http.Request) {
	if h.enrollments == nil {
		unavailable(w, "automations")
		return
	}
	e, err := h.enrollments.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, e)
}

var reqLog = logger.With("component", "http")

// requestLogger replaces chi's text logger with the structured one.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		reqLog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
