// Package httpapi exposes the coordination core over HTTP. Every tenant-scoped
// route reads the tenant from the X-Tenant-ID header; typed domain errors map
// to stable status codes so callers can branch without parsing messages.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/agents"
	"github.com/postpilot/coordinator/internal/automation"
	"github.com/postpilot/coordinator/internal/cache"
	"github.com/postpilot/coordinator/internal/coordinator"
	"github.com/postpilot/coordinator/internal/history"
	"github.com/postpilot/coordinator/internal/ledger"
	"github.com/postpilot/coordinator/internal/models"
	"github.com/postpilot/coordinator/internal/monitor"
	"github.com/postpilot/coordinator/internal/providers"
	"github.com/postpilot/coordinator/internal/router"
	"github.com/postpilot/coordinator/internal/scheduler"
	"github.com/postpilot/coordinator/internal/workflows"
)

const tenantHeader = "X-Tenant-ID"

type tenantKey struct{}

// Server holds the handler dependencies.
type Server struct {
	coordinator  *coordinator.Coordinator
	orchestrator *workflows.Orchestrator
	registry     *agents.Registry
	router       *router.Router
	cache        *cache.Cache
	ledger       *ledger.Ledger
	configs      automation.Store
	histStore    history.Store
	queue        *scheduler.Queue
	evergreen    *scheduler.Evergreen
	posts        scheduler.PostStore
	recurrences  *scheduler.Recurrences
	monitor      *monitor.Monitor
	logger       *zap.Logger
}

// Deps bundles the server's constructor arguments.
type Deps struct {
	Coordinator  *coordinator.Coordinator
	Orchestrator *workflows.Orchestrator
	Registry     *agents.Registry
	Router       *router.Router
	Cache        *cache.Cache
	Ledger       *ledger.Ledger
	Configs      automation.Store
	History      history.Store
	Queue        *scheduler.Queue
	Evergreen    *scheduler.Evergreen
	Posts        scheduler.PostStore
	Recurrences  *scheduler.Recurrences
	Monitor      *monitor.Monitor
	Logger       *zap.Logger
}

// NewServer builds the API server.
func NewServer(d Deps) *Server {
	return &Server{
		coordinator:  d.Coordinator,
		orchestrator: d.Orchestrator,
		registry:     d.Registry,
		router:       d.Router,
		cache:        d.Cache,
		ledger:       d.Ledger,
		configs:      d.Configs,
		histStore:    d.History,
		queue:        d.Queue,
		evergreen:    d.Evergreen,
		posts:        d.Posts,
		recurrences:  d.Recurrences,
		monitor:      d.Monitor,
		logger:       d.Logger,
	}
}

// Routes assembles the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireTenant)

		r.Post("/complete", s.handleComplete)
		r.Post("/agents/execute", s.handleAgentExecute)
		r.Get("/agents", s.handleAgentTypes)

		r.Post("/workflows/collaborative", s.handleWorkflowCollaborative)
		r.Post("/workflows/automated", s.handleWorkflowAutomated)
		r.Post("/workflows/learning", s.handleWorkflowLearning)

		r.Get("/budget", s.handleBudget)
		r.Put("/budget/limit", s.handleSetLimit)
		r.Get("/costs/breakdown", s.handleCostBreakdown)
		r.Get("/costs/history", s.handleCostHistory)

		r.Get("/cache/stats", s.handleCacheStats)
		r.Post("/cache/invalidate", s.handleCacheInvalidate)
		r.Get("/routing/stats", s.handleRoutingStats)

		r.Get("/automation/config", s.handleGetAutomation)
		r.Put("/automation/config", s.handlePutAutomation)
		r.Post("/automation/evaluate", s.handleEvaluateRules)

		r.Get("/history", s.handleHistoryList)
		r.Get("/history/{taskID}", s.handleHistoryGet)
		r.Post("/history/{taskID}/feedback", s.handleFeedback)
		r.Get("/learning/insights", s.handleInsights)
		r.Get("/learning/trends", s.handleTrends)

		r.Post("/schedule", s.handleSchedule)
		r.Get("/schedule", s.handleScheduleList)
		r.Get("/schedule/stats", s.handleScheduleStats)
		r.Patch("/schedule/{businessKey}", s.handleReschedule)
		r.Delete("/schedule/{businessKey}", s.handleScheduleCancel)
		r.Get("/schedule/optimal-times", s.handleOptimalTimes)
		r.Get("/schedule/evergreen", s.handleEvergreenRank)
		r.Post("/schedule/evergreen/rotate", s.handleEvergreenRotate)
		r.Post("/schedule/recurrences", s.handleRecurrenceAdd)
		r.Delete("/schedule/recurrences/{name}", s.handleRecurrenceRemove)

		r.Get("/performance/dashboard", s.handleDashboard)
		r.Get("/performance/agents/{agentType}", s.handleAgentMetrics)
		r.Get("/performance/compare", s.handleCompare)
		r.Get("/performance/health", s.handlePerfHealth)
		r.Get("/performance/costs", s.handleCostAnalysis)
		r.Get("/performance/alerts", s.handleAlerts)
		r.Get("/performance/report", s.handleReport)
	})
	return r
}

// requireTenant rejects tenant-scoped requests without an X-Tenant-ID header.
func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(tenantHeader)
		if tenant == "" {
			s.writeError(w, &models.ValidationError{Field: tenantHeader, Reason: "header required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenant)))
	})
}

func (s *Server) respond(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Warn("Response encode failed", zap.Error(err))
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, &models.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	var verr *models.ValidationError
	var nf *models.NotFoundError
	var forbidden *models.ForbiddenError
	var conflict *models.ConflictError
	var budget *ledger.BudgetExceededError
	switch {
	case errors.As(err, &verr):
		status, kind = http.StatusBadRequest, "validation"
	case errors.As(err, &nf):
		status, kind = http.StatusNotFound, "not_found"
	case errors.As(err, &forbidden):
		status, kind = http.StatusForbidden, "forbidden"
	case errors.As(err, &conflict):
		status, kind = http.StatusConflict, "conflict"
	case errors.As(err, &budget):
		status, kind = http.StatusPaymentRequired, "budget_exceeded"
	default:
		if ue, ok := providers.AsUpstream(err); ok {
			kind = "upstream_" + string(ue.Kind)
			switch ue.Kind {
			case providers.KindRateLimited:
				status = http.StatusTooManyRequests
			case providers.KindUnavailable, providers.KindTransient:
				status = http.StatusServiceUnavailable
			default:
				status = http.StatusBadGateway
			}
		}
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.respond(w, status, map[string]string{"error": kind, "message": err.Error()})
}

func withTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

func tenantFrom(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}
