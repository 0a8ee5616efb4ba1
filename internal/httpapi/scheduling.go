package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/postpilot/coordinator/internal/models"
	"github.com/postpilot/coordinator/internal/scheduler"
)

type scheduleRequest struct {
	Kind        string          `json:"kind"`
	BusinessKey string          `json:"business_key"`
	FireAt      time.Time       `json:"fire_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		s.writeError(w, &models.ValidationError{Field: "kind", Reason: "required"})
		return
	}
	job, err := s.queue.Schedule(r.Context(), tenantFrom(r.Context()), req.Kind,
		req.Payload, req.FireAt, req.BusinessKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, job)
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.List(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleScheduleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FireAt time.Time `json:"fire_at"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.queue.Reschedule(r.Context(), chi.URLParam(r, "businessKey"), req.FireAt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, job)
}

func (s *Server) handleScheduleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cancel(r.Context(), chi.URLParam(r, "businessKey")); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

type recurrenceRequest struct {
	Name    string          `json:"name"`
	Cron    string          `json:"cron"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Recurrence names are tenant-prefixed internally so tenants cannot collide
// with or remove each other's entries.
func (s *Server) handleRecurrenceAdd(w http.ResponseWriter, r *http.Request) {
	var req recurrenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	switch {
	case req.Name == "":
		s.writeError(w, &models.ValidationError{Field: "name", Reason: "required"})
		return
	case req.Cron == "":
		s.writeError(w, &models.ValidationError{Field: "cron", Reason: "required"})
		return
	case req.Kind == "":
		s.writeError(w, &models.ValidationError{Field: "kind", Reason: "required"})
		return
	}
	tenant := tenantFrom(r.Context())
	if err := s.recurrences.Add(tenant+":"+req.Name, req.Cron, tenant, req.Kind, req.Payload); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]string{
		"name": req.Name, "cron": req.Cron, "kind": req.Kind,
	})
}

func (s *Server) handleRecurrenceRemove(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	if err := s.recurrences.Remove(tenant + ":" + chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

// handleOptimalTimes scores posting slots from the trailing 90 days of
// publish history.
func (s *Server) handleOptimalTimes(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	samples, err := s.posts.PublishHistory(r.Context(), tenantFrom(r.Context()),
		now.AddDate(0, 0, -90))
	if err != nil {
		s.writeError(w, err)
		return
	}
	slots := scheduler.OptimalSlots(samples)
	s.respond(w, http.StatusOK, map[string]interface{}{
		"slots": slots,
		"next":  scheduler.NextOptimalTime(slots, now),
	})
}

func (s *Server) handleEvergreenRank(w http.ResponseWriter, r *http.Request) {
	ranked, err := s.evergreen.Rank(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"posts": ranked, "count": len(ranked)})
}

func (s *Server) handleEvergreenRotate(w http.ResponseWriter, r *http.Request) {
	count, err := queryInt(r, "count", 3)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jobs, err := s.evergreen.ScheduleRotation(r.Context(), tenantFrom(r.Context()), count)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"scheduled": jobs, "count": len(jobs)})
}
