package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/postpilot/coordinator/internal/history"
	"github.com/postpilot/coordinator/internal/models"
)

// handleHistoryList: GET /v1/history?type=&workflow_id=&status=&since=&limit=
func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := history.ListFilter{
		Type:       q.Get("type"),
		WorkflowID: q.Get("workflow_id"),
		Status:     q.Get("status"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, &models.ValidationError{Field: "since", Reason: "expected RFC3339"})
			return
		}
		filter.Since = since
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	filter.Limit = limit

	records, err := s.histStore.List(r.Context(), tenantFrom(r.Context()), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.histStore.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb history.Feedback
	if !s.decode(w, r, &fb) {
		return
	}
	if err := fb.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.histStore.AddFeedback(r.Context(), tenantFrom(r.Context()),
		chi.URLParam(r, "taskID"), fb); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

// handleInsights: GET /v1/learning/insights?type=content
func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	agentType := r.URL.Query().Get("type")
	if agentType == "" {
		s.writeError(w, &models.ValidationError{Field: "type", Reason: "required"})
		return
	}
	tenant := tenantFrom(r.Context())
	records, err := s.histStore.List(r.Context(), tenant, history.ListFilter{Type: agentType})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, history.ComputeInsights(tenant, agentType, records))
}

// handleTrends: GET /v1/learning/trends?type=content&days=30
func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	agentType := r.URL.Query().Get("type")
	if agentType == "" {
		s.writeError(w, &models.ValidationError{Field: "type", Reason: "required"})
		return
	}
	days, err := queryInt(r, "days", 30)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if days <= 0 {
		s.writeError(w, &models.ValidationError{Field: "days", Reason: "must be > 0"})
		return
	}
	records, err := s.histStore.List(r.Context(), tenantFrom(r.Context()),
		history.ListFilter{Type: agentType})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, history.ComputeTrends(agentType, records, time.Now().UTC(), days))
}
