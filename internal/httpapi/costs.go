package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/postpilot/coordinator/internal/models"
)

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	budget, err := s.ledger.Check(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, budget)
}

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LimitUSD float64 `json:"limit_usd"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.LimitUSD < 0 {
		s.writeError(w, &models.ValidationError{Field: "limit_usd", Reason: "must be >= 0"})
		return
	}
	if err := s.ledger.SetLimit(r.Context(), tenantFrom(r.Context()), req.LimitUSD); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

// handleCostBreakdown: GET /v1/costs/breakdown?month=2026-08 (defaults to the
// current month).
func (s *Server) handleCostBreakdown(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	} else if _, err := time.Parse("2006-01", month); err != nil {
		s.writeError(w, &models.ValidationError{Field: "month", Reason: "expected YYYY-MM"})
		return
	}
	breakdown, err := s.ledger.MonthBreakdown(r.Context(), tenantFrom(r.Context()), month)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, breakdown)
}

// handleCostHistory: GET /v1/costs/history?from=RFC3339&to=RFC3339 (defaults
// to the trailing 30 days).
func (s *Server) handleCostHistory(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, to := now.AddDate(0, 0, -30), now
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, &models.ValidationError{Field: "from", Reason: "expected RFC3339"})
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, &models.ValidationError{Field: "to", Reason: "expected RFC3339"})
			return
		}
	}
	entries, err := s.ledger.History(r.Context(), tenantFrom(r.Context()), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.cache.Stats())
}

// handleCacheInvalidate drops the tenant's custom-key entries matching a glob
// pattern.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Pattern == "" {
		s.writeError(w, &models.ValidationError{Field: "pattern", Reason: "required"})
		return
	}
	n, err := s.cache.InvalidateCustom(r.Context(), tenantFrom(r.Context()), req.Pattern)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int64{"invalidated": n})
}

func (s *Server) handleRoutingStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.router.Stats())
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &models.ValidationError{Field: name, Reason: "expected integer"}
	}
	return n, nil
}
