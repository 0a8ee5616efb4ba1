// Package coordinator sequences the request pipeline: budget gate, routing,
// cache lookup, upstream call, then concurrent best-effort cache fill and
// ledger tracking. It is the single entry point for one-shot completions and
// for agent task execution.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/agents"
	"github.com/postpilot/coordinator/internal/cache"
	"github.com/postpilot/coordinator/internal/ledger"
	"github.com/postpilot/coordinator/internal/metrics"
	"github.com/postpilot/coordinator/internal/models"
	"github.com/postpilot/coordinator/internal/providers"
	"github.com/postpilot/coordinator/internal/router"
	"github.com/postpilot/coordinator/internal/tracing"
)

// maxRetryAfter bounds the single rate-limit retry. A hint beyond this is
// treated as a hard failure instead of stalling the caller.
const maxRetryAfter = 10 * time.Second

// Completer is the upstream dispatch surface, satisfied by *providers.Pool.
type Completer interface {
	Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)
}

// AgentTask is a unit of agent work.
type AgentTask struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Type     string          `json:"type"`
	Input    json.RawMessage `json:"input"`
	Context  json.RawMessage `json:"context,omitempty"`
	Priority string          `json:"priority,omitempty"`
}

// AgentResult is the outcome of an agent task.
type AgentResult struct {
	TaskID      string            `json:"task_id"`
	Type        string            `json:"type"`
	Output      string            `json:"output"`
	Model       string            `json:"model"`
	Usage       models.TokenUsage `json:"usage"`
	CostUSD     float64           `json:"cost_usd"`
	Cached      bool              `json:"cached"`
	ExecutionMS int64             `json:"execution_ms"`
}

// Coordinator wires the pipeline components together.
type Coordinator struct {
	router   *router.Router
	cache    *cache.Cache
	ledger   *ledger.Ledger
	pool     Completer
	registry *agents.Registry
	catalog  *models.Catalog
	logger   *zap.Logger
	sleep    func(time.Duration) // test hook for the rate-limit retry delay
}

// New builds a coordinator.
func New(r *router.Router, c *cache.Cache, l *ledger.Ledger, pool Completer,
	reg *agents.Registry, catalog *models.Catalog, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		router:   r,
		cache:    c,
		ledger:   l,
		pool:     pool,
		registry: reg,
		catalog:  catalog,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// Complete runs the full pipeline for one request. Cached hits return
// immediately and are never ledger-tracked; fresh completions fill the cache
// and append a ledger entry concurrently, neither of which can fail the
// response.
func (co *Coordinator) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	return co.complete(ctx, req, models.PriorityMedium, "completion", 0)
}

func (co *Coordinator) complete(ctx context.Context, req *models.CompletionRequest,
	priority, category string, cacheTTL time.Duration) (*models.CompletionResponse, error) {

	ctx, span := tracing.StartSpan(ctx, "coordinator.complete",
		attribute.String("tenant_id", req.TenantID),
		attribute.String("category", category),
		attribute.String("priority", priority))
	defer span.End()

	if err := models.ValidateRequest(req); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	// Budget gate before anything touches upstream.
	if err := co.ledger.Authorize(ctx, req.TenantID); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	decision, err := co.router.Route(req, priority)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	req.Model = decision.Model
	span.SetAttributes(
		attribute.String("model", decision.Model),
		attribute.String("tier", decision.Tier))

	key := co.cacheKey(req)
	if resp, ok := co.cache.Get(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		metrics.CompletionsTotal.WithLabelValues(resp.Model, decision.Tier, "cache_hit").Inc()
		return resp, nil
	}

	resp, err := co.dispatch(ctx, req)
	if err != nil {
		if ue, ok := providers.AsUpstream(err); ok {
			metrics.UpstreamErrors.WithLabelValues(ue.Provider, string(ue.Kind)).Inc()
		}
		metrics.CompletionsTotal.WithLabelValues(req.Model, decision.Tier, "error").Inc()
		tracing.RecordError(span, err)
		return nil, err
	}

	ttl := cacheTTL
	if req.CacheTTLSeconds > 0 {
		ttl = time.Duration(req.CacheTTLSeconds) * time.Second
	}

	// Cache fill and ledger tracking run concurrently; both are best-effort
	// and must not delay or fail the response beyond their own completion.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		co.cache.Set(ctx, key, resp, ttl)
	}()
	go func() {
		defer wg.Done()
		if err := co.ledger.Track(ctx, ledger.Entry{
			TenantID:         req.TenantID,
			Model:            resp.Model,
			Category:         category,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			CostUSD:          resp.CostUSD,
		}); err != nil {
			co.logger.Warn("Ledger track failed",
				zap.String("tenant_id", req.TenantID), zap.Error(err))
		}
	}()
	wg.Wait()

	metrics.CompletionsTotal.WithLabelValues(resp.Model, decision.Tier, "ok").Inc()
	metrics.CompletionCostUSD.Observe(resp.CostUSD)
	metrics.CompletionTokens.Observe(float64(resp.Usage.TotalTokens))
	return resp, nil
}

// dispatch calls upstream, retrying exactly once when rate-limited with a
// bounded Retry-After hint.
func (co *Coordinator) dispatch(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	resp, err := co.pool.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	ue, ok := providers.AsUpstream(err)
	if !ok || ue.Kind != providers.KindRateLimited {
		return nil, err
	}
	if ue.RetryAfter <= 0 || ue.RetryAfter > maxRetryAfter {
		return nil, err
	}
	co.logger.Info("Rate limited, retrying once",
		zap.String("model", req.Model),
		zap.Duration("retry_after", ue.RetryAfter))
	co.sleep(ue.RetryAfter)
	if err := ctx.Err(); err != nil {
		return nil, wrapContext(ue.Provider, err)
	}
	return co.pool.Complete(ctx, req)
}

func wrapContext(provider string, err error) error {
	return &providers.UpstreamError{Kind: providers.KindTransient, Provider: provider, Err: err}
}

// cacheKey resolves the cache identity: a caller-supplied key wins,
// otherwise the canonical fingerprint of (model, temperature, messages).
func (co *Coordinator) cacheKey(req *models.CompletionRequest) string {
	if req.CacheKey != "" {
		return cache.CustomKey(req.TenantID, req.CacheKey)
	}
	return cache.CanonicalKey(cache.Fingerprint(req.Model, req.Temperature, req.Messages))
}

// ExecuteAgentTask assembles a completion request from the agent descriptor
// and runs it through the pipeline. ExecutionMS covers the full coordinator
// path including cache hits.
func (co *Coordinator) ExecuteAgentTask(ctx context.Context, task *AgentTask) (*AgentResult, error) {
	started := time.Now()

	desc, err := co.registry.Get(task.Type)
	if err != nil {
		return nil, err
	}
	priority, err := models.ValidatePriority(task.Priority)
	if err != nil {
		return nil, err
	}
	if task.Priority == "" {
		priority = tierPriority(desc.PreferredTier)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	req, err := co.buildAgentRequest(task, desc)
	if err != nil {
		return nil, err
	}

	resp, err := co.complete(ctx, req, priority, "agent_task", desc.CacheTTL)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		metrics.AgentExecutions.WithLabelValues(task.Type, "failed").Inc()
		return nil, err
	}
	metrics.AgentExecutions.WithLabelValues(task.Type, "completed").Inc()
	metrics.AgentExecutionDuration.WithLabelValues(task.Type).Observe(float64(elapsed))

	return &AgentResult{
		TaskID:      task.ID,
		Type:        task.Type,
		Output:      resp.Text,
		Model:       resp.Model,
		Usage:       resp.Usage,
		CostUSD:     resp.CostUSD,
		Cached:      resp.Cached,
		ExecutionMS: elapsed,
	}, nil
}

// tierPriority maps an agent's preferred tier to the routing priority used
// when the task does not carry one. Explicit task priorities always win.
func tierPriority(tier string) string {
	if tier == models.TierPremium {
		return models.PriorityHigh
	}
	return models.PriorityLow
}

// buildAgentRequest turns a task into messages: descriptor system prompt,
// JSON input as the user turn, optional context as a second user turn.
// The canonical fingerprint of these messages is the cache identity, so
// identical inputs deduplicate across callers.
func (co *Coordinator) buildAgentRequest(task *AgentTask, desc agents.Descriptor) (*models.CompletionRequest, error) {
	if len(task.Input) == 0 {
		return nil, &models.ValidationError{Field: "input", Reason: "required"}
	}
	input, err := json.Marshal(task.Input)
	if err != nil {
		return nil, fmt.Errorf("coordinator: serialize task input: %w", err)
	}
	messages := []models.Message{
		{Role: models.RoleSystem, Text: desc.SystemPrompt},
		{Role: models.RoleUser, Text: string(input)},
	}
	if len(task.Context) > 0 {
		ctxPayload, err := json.Marshal(task.Context)
		if err != nil {
			return nil, fmt.Errorf("coordinator: serialize task context: %w", err)
		}
		messages = append(messages, models.Message{Role: models.RoleUser, Text: string(ctxPayload)})
	}
	return &models.CompletionRequest{
		Messages:    messages,
		Temperature: desc.Temperature,
		TenantID:    task.TenantID,
	}, nil
}
