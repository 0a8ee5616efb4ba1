package httpapi

import (
	"net/http"

	"github.com/postpilot/coordinator/internal/automation"
)

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.configs.GetConfig(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, cfg)
}

func (s *Server) handlePutAutomation(w http.ResponseWriter, r *http.Request) {
	var cfg automation.Config
	if !s.decode(w, r, &cfg) {
		return
	}
	cfg.TenantID = tenantFrom(r.Context())
	if err := cfg.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.configs.PutConfig(r.Context(), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, cfg)
}

// handleEvaluateRules runs the rule engine against a caller-supplied context
// without executing anything.
func (s *Server) handleEvaluateRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Context map[string]interface{} `json:"context"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	cfg, err := s.configs.GetConfig(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, automation.Evaluate(cfg, req.Context))
}
