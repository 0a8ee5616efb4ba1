// Package workflows runs multi-agent collaborations. Agents execute strictly
// sequentially in participant order, accumulate shared context, and exchange
// messages on the bus; the result carries per-agent contributions, the full
// communication log and a collaboration efficiency score.
package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/automation"
	"github.com/postpilot/coordinator/internal/bus"
	"github.com/postpilot/coordinator/internal/coordinator"
	"github.com/postpilot/coordinator/internal/history"
	"github.com/postpilot/coordinator/internal/metrics"
	"github.com/postpilot/coordinator/internal/models"
)

// Workflow statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Contribution is one agent's output within a workflow.
type Contribution struct {
	AgentType   string  `json:"agent_type"`
	TaskID      string  `json:"task_id"`
	Output      string  `json:"output"`
	CostUSD     float64 `json:"cost_usd"`
	ExecutionMS int64   `json:"execution_ms"`
	Succeeded   bool    `json:"succeeded"`
	Error       string  `json:"error,omitempty"`
}

// Performance summarizes a finished workflow.
type Performance struct {
	ContributionRate        float64 `json:"contribution_rate"`
	CommEfficiency          float64 `json:"comm_efficiency"`
	TimeEfficiency          float64 `json:"time_efficiency"`
	CollaborationEfficiency float64 `json:"collaboration_efficiency"`
	TotalCostUSD            float64 `json:"total_cost_usd"`
	DurationMS              int64   `json:"duration_ms"`
}

// Result is the outcome of a collaborative workflow.
type Result struct {
	WorkflowID    string                 `json:"workflow_id"`
	TenantID      string                 `json:"tenant_id"`
	Name          string                 `json:"name"`
	Status        string                 `json:"status"`
	Contributions []Contribution         `json:"contributions"`
	SharedContext map[string]interface{} `json:"shared_context"`
	Messages      []bus.Message          `json:"messages"`
	Performance   Performance            `json:"performance"`
	StartedAt     time.Time              `json:"started_at"`
	EndedAt       time.Time              `json:"ended_at"`
}

// AutomationResult pairs a workflow result with the rule engine decision.
type AutomationResult struct {
	Result
	AutoPublish      bool `json:"auto_publish"`
	RequiresApproval bool `json:"requires_approval"`
}

// LearningResult pairs an agent result with post-hoc recommendations.
type LearningResult struct {
	TaskResult      *coordinator.AgentResult `json:"task_result"`
	Insights        history.Insights         `json:"insights"`
	Recommendations []string                 `json:"recommendations"`
}

// Orchestrator drives collaborative workflows through the coordinator.
type Orchestrator struct {
	coordinator *coordinator.Coordinator
	bus         bus.Bus
	store       history.Store
	configs     automation.Store
	logger      *zap.Logger
}

// NewOrchestrator wires the orchestrator's dependencies.
func NewOrchestrator(co *coordinator.Coordinator, b bus.Bus, store history.Store,
	configs automation.Store, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		coordinator: co,
		bus:         b,
		store:       store,
		configs:     configs,
		logger:      logger,
	}
}

// ExecuteCollaborative runs participants sequentially, accumulating shared
// context in participant order. Cancellation is cooperative: between agents
// the orchestrator checks ctx and stops, returning completed contributions
// with a failed status.
func (o *Orchestrator) ExecuteCollaborative(ctx context.Context, tenantID, name string,
	participants []string, initialInput map[string]interface{}) (*Result, error) {

	if len(participants) == 0 {
		return nil, &models.ValidationError{Field: "participants", Reason: "at least one participant is required"}
	}
	if tenantID == "" {
		return nil, &models.ValidationError{Field: "tenant_id", Reason: "required"}
	}

	cfg, err := o.configs.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("workflow: load automation config: %w", err)
	}

	res := &Result{
		WorkflowID:    uuid.NewString(),
		TenantID:      tenantID,
		Name:          name,
		SharedContext: make(map[string]interface{}),
		StartedAt:     time.Now(),
	}
	metrics.WorkflowsStarted.Inc()
	o.logger.Info("Workflow started",
		zap.String("workflow_id", res.WorkflowID),
		zap.String("tenant_id", tenantID),
		zap.Strings("participants", participants),
	)

	meta := bus.Metadata{WorkflowID: res.WorkflowID}
	cancelled := false
	for i, agentType := range participants {
		if err := ctx.Err(); err != nil {
			cancelled = true
			break
		}
		if !cfg.TypeEnabled(agentType) {
			o.logger.Debug("Skipping disabled agent type",
				zap.String("workflow_id", res.WorkflowID),
				zap.String("agent_type", agentType))
			continue
		}

		if _, err := o.bus.Send(ctx, bus.Message{
			FromType: "orchestrator",
			ToType:   agentType,
			Kind:     bus.KindRequest,
			Content:  fmt.Sprintf("contribute to workflow %s", name),
			Metadata: meta,
		}); err != nil {
			o.logger.Warn("Workflow request message failed", zap.Error(err))
		}

		contribution := o.runAgent(ctx, res, agentType, initialInput)
		res.Contributions = append(res.Contributions, contribution)

		if contribution.Succeeded {
			res.SharedContext[agentType] = contribution.Output
			if _, err := o.bus.Broadcast(ctx, bus.Message{
				FromType: agentType,
				Kind:     bus.KindResponse,
				Content:  contribution.Output,
				Metadata: meta,
			}); err != nil {
				o.logger.Warn("Workflow response broadcast failed", zap.Error(err))
			}
		}

		if next := nextEnabled(participants, i+1, cfg); next != "" {
			if _, err := o.bus.RequestFeedback(ctx, agentType, next,
				"review the previous contribution before your turn", meta); err != nil {
				o.logger.Warn("Workflow feedback request failed", zap.Error(err))
			}
		}

		// Drain the agent's inbox after its step so producers never outrun
		// consumers within a workflow.
		if _, err := o.bus.Receive(ctx, agentType); err != nil {
			o.logger.Warn("Workflow inbox drain failed", zap.Error(err))
		}
	}

	res.EndedAt = time.Now()
	res.Status = StatusCompleted
	if cancelled {
		res.Status = StatusFailed
	}
	for _, c := range res.Contributions {
		if !c.Succeeded {
			res.Status = StatusFailed
			break
		}
	}

	if msgs, err := o.bus.History(ctx, res.WorkflowID); err == nil {
		res.Messages = msgs
	}
	res.Performance = o.score(res)

	metrics.WorkflowsCompleted.WithLabelValues(res.Status).Inc()
	metrics.WorkflowDuration.Observe(res.EndedAt.Sub(res.StartedAt).Seconds())
	o.logger.Info("Workflow finished",
		zap.String("workflow_id", res.WorkflowID),
		zap.String("status", res.Status),
		zap.Int("contributions", len(res.Contributions)),
		zap.Float64("collaboration_efficiency", res.Performance.CollaborationEfficiency),
	)
	return res, nil
}

// runAgent executes one participant and records its history entry.
func (o *Orchestrator) runAgent(ctx context.Context, res *Result, agentType string,
	initialInput map[string]interface{}) Contribution {

	input := map[string]interface{}{
		"initial_input":          initialInput,
		"shared_context":         res.SharedContext,
		"previous_contributions": res.Contributions,
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return Contribution{AgentType: agentType, Error: err.Error()}
	}

	taskResult, err := o.coordinator.ExecuteAgentTask(ctx, &coordinator.AgentTask{
		TenantID: res.TenantID,
		Type:     agentType,
		Input:    payload,
	})
	if err != nil {
		o.logger.Warn("Workflow agent failed",
			zap.String("workflow_id", res.WorkflowID),
			zap.String("agent_type", agentType),
			zap.Error(err))
		return Contribution{AgentType: agentType, Error: err.Error()}
	}

	now := time.Now()
	if err := o.store.Record(ctx, &history.Record{
		TenantID:    res.TenantID,
		TaskID:      taskResult.TaskID,
		Type:        agentType,
		Input:       payload,
		Output:      taskResult.Output,
		Model:       taskResult.Model,
		CostUSD:     taskResult.CostUSD,
		ExecutionMS: taskResult.ExecutionMS,
		WorkflowID:  res.WorkflowID,
		Status:      history.StatusCompleted,
		CompletedAt: &now,
	}); err != nil {
		o.logger.Warn("Workflow history record failed",
			zap.String("workflow_id", res.WorkflowID), zap.Error(err))
	}

	return Contribution{
		AgentType:   agentType,
		TaskID:      taskResult.TaskID,
		Output:      taskResult.Output,
		CostUSD:     taskResult.CostUSD,
		ExecutionMS: taskResult.ExecutionMS,
		Succeeded:   true,
	}
}

func nextEnabled(participants []string, from int, cfg automation.Config) string {
	for _, p := range participants[from:] {
		if cfg.TypeEnabled(p) {
			return p
		}
	}
	return ""
}

// score computes collaboration efficiency:
// 0.5*contribution_rate + 0.3*comm_efficiency + 0.2*time_efficiency.
func (o *Orchestrator) score(res *Result) Performance {
	p := Performance{DurationMS: res.EndedAt.Sub(res.StartedAt).Milliseconds()}

	total := len(res.Contributions)
	if total == 0 {
		return p
	}
	succeeded := 0
	var execSum float64
	for _, c := range res.Contributions {
		if c.Succeeded {
			succeeded++
		}
		execSum += float64(c.ExecutionMS)
		p.TotalCostUSD += c.CostUSD
	}
	p.ContributionRate = float64(succeeded) / float64(total)

	msgsPerContribution := float64(len(res.Messages)) / float64(total)
	p.CommEfficiency = 1 - (msgsPerContribution-2)/10
	if p.CommEfficiency < 0 {
		p.CommEfficiency = 0
	}
	if p.CommEfficiency > 1 {
		p.CommEfficiency = 1
	}

	avgExecMS := execSum / float64(total)
	if avgExecMS <= 0 {
		p.TimeEfficiency = 1
	} else {
		p.TimeEfficiency = 5000 / avgExecMS
		if p.TimeEfficiency > 1 {
			p.TimeEfficiency = 1
		}
	}

	p.CollaborationEfficiency = 0.5*p.ContributionRate + 0.3*p.CommEfficiency + 0.2*p.TimeEfficiency
	return p
}

// ExecuteWithAutomation runs a workflow and evaluates the rule engine
// against the caller's context for publish gating.
func (o *Orchestrator) ExecuteWithAutomation(ctx context.Context, tenantID, name string,
	participants []string, initialInput, ruleContext map[string]interface{}) (*AutomationResult, error) {

	res, err := o.ExecuteCollaborative(ctx, tenantID, name, participants, initialInput)
	if err != nil {
		return nil, err
	}
	cfg, err := o.configs.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("workflow: load automation config: %w", err)
	}
	decision := automation.Evaluate(cfg, ruleContext)
	return &AutomationResult{
		Result:           *res,
		AutoPublish:      decision.AutoPublish,
		RequiresApproval: decision.RequiresApproval,
	}, nil
}

// ExecuteWithLearning enriches a single-agent task with current insights
// and derives recommendations from the completed run.
func (o *Orchestrator) ExecuteWithLearning(ctx context.Context, tenantID, agentType string,
	input map[string]interface{}) (*LearningResult, error) {

	records, err := o.store.List(ctx, tenantID, history.ListFilter{Type: agentType})
	if err != nil {
		return nil, err
	}
	insights := history.ComputeInsights(tenantID, agentType, records)

	enriched := map[string]interface{}{
		"input":    input,
		"insights": insights,
	}
	payload, err := json.Marshal(enriched)
	if err != nil {
		return nil, fmt.Errorf("workflow: serialize enriched input: %w", err)
	}

	taskResult, err := o.coordinator.ExecuteAgentTask(ctx, &coordinator.AgentTask{
		TenantID: tenantID,
		Type:     agentType,
		Input:    payload,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := o.store.Record(ctx, &history.Record{
		TenantID:    tenantID,
		TaskID:      taskResult.TaskID,
		Type:        agentType,
		Input:       payload,
		Output:      taskResult.Output,
		Model:       taskResult.Model,
		CostUSD:     taskResult.CostUSD,
		ExecutionMS: taskResult.ExecutionMS,
		Status:      history.StatusCompleted,
		CompletedAt: &now,
	}); err != nil {
		o.logger.Warn("Learning run history record failed", zap.Error(err))
	}

	return &LearningResult{
		TaskResult:      taskResult,
		Insights:        insights,
		Recommendations: recommendations(taskResult, insights),
	}, nil
}

// recommendations derives post-hoc advice from a completed run.
func recommendations(res *coordinator.AgentResult, ins history.Insights) []string {
	var out []string
	if res.ExecutionMS > 5000 {
		out = append(out, "execution exceeded 5s; consider shorter prompts or the efficient tier")
	}
	if res.CostUSD > 0.05 {
		out = append(out, "task cost exceeded $0.05; consider a cheaper model")
	}
	if len(ins.BestPractices) > 0 {
		out = append(out, "apply established best practice: "+ins.BestPractices[0])
	}
	return out
}
