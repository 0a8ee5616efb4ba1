package httpapi

import (
	"net/http"

	"github.com/postpilot/coordinator/internal/coordinator"
	"github.com/postpilot/coordinator/internal/models"
)

// handleComplete runs a one-shot completion through the pipeline. The tenant
// header overrides any tenant in the body.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req models.CompletionRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.TenantID = tenantFrom(r.Context())

	resp, err := s.coordinator.Complete(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleAgentExecute(w http.ResponseWriter, r *http.Request) {
	var task coordinator.AgentTask
	if !s.decode(w, r, &task) {
		return
	}
	task.TenantID = tenantFrom(r.Context())

	result, err := s.coordinator.ExecuteAgentTask(r.Context(), &task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, result)
}

func (s *Server) handleAgentTypes(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]interface{}{"types": s.registry.Types()})
}

type workflowRequest struct {
	Name         string                 `json:"name"`
	Participants []string               `json:"participants"`
	Input        map[string]interface{} `json:"input"`
	RuleContext  map[string]interface{} `json:"rule_context,omitempty"`
}

func (s *Server) handleWorkflowCollaborative(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.orchestrator.ExecuteCollaborative(r.Context(), tenantFrom(r.Context()),
		req.Name, req.Participants, req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleWorkflowAutomated(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.orchestrator.ExecuteWithAutomation(r.Context(), tenantFrom(r.Context()),
		req.Name, req.Participants, req.Input, req.RuleContext)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

type learningRequest struct {
	AgentType string                 `json:"agent_type"`
	Input     map[string]interface{} `json:"input"`
}

func (s *Server) handleWorkflowLearning(w http.ResponseWriter, r *http.Request) {
	var req learningRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.orchestrator.ExecuteWithLearning(r.Context(), tenantFrom(r.Context()),
		req.AgentType, req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}
