package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/postpilot/coordinator/internal/models"
)

// timeWindow reads start/end query params, defaulting to the trailing 7 days.
func timeWindow(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	start, end := now.AddDate(0, 0, -7), now
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, &models.ValidationError{Field: "start", Reason: "expected RFC3339"}
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, &models.ValidationError{Field: "end", Reason: "expected RFC3339"}
		}
		end = t
	}
	return start, end, nil
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.monitor.Dashboard(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, d)
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeWindow(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.monitor.Metrics(r.Context(), tenantFrom(r.Context()),
		chi.URLParam(r, "agentType"), start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, m)
}

// handleCompare: GET /v1/performance/compare?a=content&b=strategy
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if a == "" || b == "" {
		s.writeError(w, &models.ValidationError{Field: "a,b", Reason: "both agent types are required"})
		return
	}
	start, end, err := timeWindow(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.monitor.Compare(r.Context(), tenantFrom(r.Context()), a, b, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, c)
}

func (s *Server) handlePerfHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.monitor.Health(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, h)
}

func (s *Server) handleCostAnalysis(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 7)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ca, err := s.monitor.CostAnalysis(r.Context(), tenantFrom(r.Context()), days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, ca)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.monitor.Alerts(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 7)
	if err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.monitor.Report(r.Context(), tenantFrom(r.Context()), days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, report)
}
