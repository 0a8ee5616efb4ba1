package coordinator

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/agents"
	"github.com/postpilot/coordinator/internal/cache"
	"github.com/postpilot/coordinator/internal/ledger"
	"github.com/postpilot/coordinator/internal/models"
	"github.com/postpilot/coordinator/internal/providers"
	"github.com/postpilot/coordinator/internal/router"
)

// fakePool scripts upstream behavior per call.
type fakePool struct {
	calls atomic.Int64
	fn    func(call int64, req *models.CompletionRequest) (*models.CompletionResponse, error)
}

func (f *fakePool) Complete(_ context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	return f.fn(f.calls.Add(1), req)
}

func okResponse(catalog *models.Catalog, model string, prompt, completion int) *models.CompletionResponse {
	return &models.CompletionResponse{
		Text:  "response text",
		Model: model,
		Usage: models.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
		CostUSD: catalog.Cost(model, prompt, completion),
	}
}

type fixture struct {
	co      *Coordinator
	pool    *fakePool
	ledger  *ledger.Ledger
	catalog *models.Catalog
}

func newFixture(t *testing.T, limit float64, pool *fakePool) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	catalog := models.NewCatalog()
	logger := zap.NewNop()
	l := ledger.New(client, ledger.Options{DefaultMonthlyLimitUSD: limit}, logger)
	co := New(
		router.New(catalog, logger),
		cache.New(client, 0, logger),
		l,
		pool,
		agents.NewRegistry(),
		catalog,
		logger,
	)
	co.sleep = func(time.Duration) {}
	return &fixture{co: co, pool: pool, ledger: l, catalog: catalog}
}

func TestCompleteCacheHitSkipsUpstreamAndLedger(t *testing.T) {
	catalog := models.NewCatalog()
	pool := &fakePool{fn: func(_ int64, req *models.CompletionRequest) (*models.CompletionResponse, error) {
		return okResponse(catalog, req.Model, 1000, 500), nil
	}}
	fx := newFixture(t, 100, pool)
	ctx := context.Background()

	req := func() *models.CompletionRequest {
		return &models.CompletionRequest{
			Messages: []models.Message{
				{Role: models.RoleSystem, Text: "s"},
				{Role: models.RoleUser, Text: "hi"},
			},
			Model:       models.ModelGPT4oMini,
			Temperature: 0.7,
			TenantID:    "T1",
		}
	}

	first, err := fx.co.Complete(ctx, req())
	require.NoError(t, err)
	assert.False(t, first.Cached)
	// prompt 1000, completion 500 at $0.15/$0.60 per Mtok
	assert.InDelta(t, 0.00045, first.CostUSD, 1e-9)

	second, err := fx.co.Complete(ctx, req())
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, int64(1), pool.calls.Load(), "cache hit must not call upstream")

	// Only the first call is ledgered.
	b, err := fx.ledger.Check(ctx, "T1")
	require.NoError(t, err)
	assert.InDelta(t, 0.00045, b.SpentUSD, 1e-9)
}

func TestCompleteBudgetThrottle(t *testing.T) {
	catalog := models.NewCatalog()
	pool := &fakePool{fn: func(_ int64, req *models.CompletionRequest) (*models.CompletionResponse, error) {
		resp := okResponse(catalog, req.Model, 100, 50)
		resp.CostUSD = 1.00
		return resp, nil
	}}
	fx := newFixture(t, 5, pool)
	ctx := context.Background()

	// Seed spend just under the limit.
	require.NoError(t, fx.ledger.Track(ctx, ledger.Entry{TenantID: "T2", Model: "m", Category: "completion", CostUSD: 4.99}))

	mkReq := func(text string) *models.CompletionRequest {
		return &models.CompletionRequest{
			Messages:    []models.Message{{Role: models.RoleUser, Text: text}},
			Temperature: 0.7,
			TenantID:    "T2",
		}
	}

	// Under the limit: admitted, pushing spend over the cap.
	_, err := fx.co.Complete(ctx, mkReq("first"))
	require.NoError(t, err)

	// Over the limit: rejected before upstream.
	calls := pool.calls.Load()
	_, err = fx.co.Complete(ctx, mkReq("second"))
	var bex *ledger.BudgetExceededError
	require.ErrorAs(t, err, &bex)
	assert.Equal(t, "T2", bex.TenantID)
	assert.Equal(t, calls, pool.calls.Load(), "throttled request must not touch upstream")
}

func TestCompleteSplitConverges(t *testing.T) {
	catalog := models.NewCatalog()
	pool := &fakePool{fn: func(n int64, req *models.CompletionRequest) (*models.CompletionResponse, error) {
		resp := okResponse(catalog, req.Model, 10, 10)
		return resp, nil
	}}
	fx := newFixture(t, 1000, pool)
	ctx := context.Background()

	tiers := map[string]int{}
	for i := 0; i < 100; i++ {
		resp, err := fx.co.Complete(ctx, &models.CompletionRequest{
			// Vary the text so every request misses the cache.
			Messages:    []models.Message{{Role: models.RoleUser, Text: time.Now().String() + string(rune(i))}},
			Temperature: 0.7,
			TenantID:    "T3",
		})
		require.NoError(t, err)
		d, ok := catalog.Get(resp.Model)
		require.True(t, ok)
		tiers[d.Tier]++
	}
	assert.Equal(t, 70, tiers[models.TierEfficient])
	assert.Equal(t, 30, tiers[models.TierPremium])
}

func TestCompleteRateLimitedRetriesOnce(t *testing.T) {
	catalog := models.NewCatalog()
	pool := &fakePool{fn: func(n int64, req *models.CompletionRequest) (*models.CompletionResponse, error) {
		if n == 1 {
			return nil, &providers.UpstreamError{
				Kind: providers.KindRateLimited, Provider: "openai", RetryAfter: 2 * time.Second,
			}
		}
		return okResponse(catalog, req.Model, 10, 10), nil
	}}
	fx := newFixture(t, 100, pool)

	resp, err := fx.co.Complete(context.Background(), &models.CompletionRequest{
		Messages:    []models.Message{{Role: models.RoleUser, Text: "hi"}},
		Temperature: 0.5,
		TenantID:    "T1",
	})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, int64(2), pool.calls.Load())
}

func TestCompleteRateLimitedWithoutBoundedHintFails(t *testing.T) {
	pool := &fakePool{fn: func(int64, *models.CompletionRequest) (*models.CompletionResponse, error) {
		return nil, &providers.UpstreamError{
			Kind: providers.KindRateLimited, Provider: "openai", RetryAfter: time.Minute,
		}
	}}
	fx := newFixture(t, 100, pool)

	_, err := fx.co.Complete(context.Background(), &models.CompletionRequest{
		Messages:    []models.Message{{Role: models.RoleUser, Text: "hi"}},
		TenantID:    "T1",
		Temperature: 0.5,
	})
	ue, ok := providers.AsUpstream(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindRateLimited, ue.Kind)
	assert.Equal(t, int64(1), pool.calls.Load(), "oversized retry hint must not retry")
}

func TestCompleteUpstreamErrorWritesNothing(t *testing.T) {
	pool := &fakePool{fn: func(int64, *models.CompletionRequest) (*models.CompletionResponse, error) {
		return nil, &providers.UpstreamError{Kind: providers.KindUnavailable, Provider: "openai"}
	}}
	fx := newFixture(t, 100, pool)
	ctx := context.Background()

	_, err := fx.co.Complete(ctx, &models.CompletionRequest{
		Messages:    []models.Message{{Role: models.RoleUser, Text: "hi"}},
		TenantID:    "T1",
		Temperature: 0.5,
	})
	require.Error(t, err)

	b, err := fx.ledger.Check(ctx, "T1")
	require.NoError(t, err)
	assert.Zero(t, b.SpentUSD, "failed request must not be ledgered")
}

func TestCompleteValidationRejects(t *testing.T) {
	pool := &fakePool{fn: func(int64, *models.CompletionRequest) (*models.CompletionResponse, error) {
		t.Fatal("upstream must not be reached")
		return nil, nil
	}}
	fx := newFixture(t, 100, pool)
	ctx := context.Background()

	cases := []*models.CompletionRequest{
		{TenantID: "T1"}, // no messages
		{Messages: []models.Message{{Role: models.RoleUser, Text: "x"}}, Temperature: 2.5, TenantID: "T1"},
		{Messages: []models.Message{
			{Role: models.RoleSystem, Text: "a"},
			{Role: models.RoleSystem, Text: "b"},
		}, TenantID: "T1"},
		{Messages: []models.Message{{Role: models.RoleUser, Text: "x"}}}, // no tenant
	}
	for _, req := range cases {
		_, err := fx.co.Complete(ctx, req)
		var verr *models.ValidationError
		assert.ErrorAs(t, err, &verr)
	}
}

func TestExecuteAgentTask(t *testing.T) {
	catalog := models.NewCatalog()
	pool := &fakePool{fn: func(_ int64, req *models.CompletionRequest) (*models.CompletionResponse, error) {
		return okResponse(catalog, req.Model, 200, 100), nil
	}}
	fx := newFixture(t, 100, pool)
	ctx := context.Background()

	task := &AgentTask{
		TenantID: "T1",
		Type:     agents.TypeContent,
		Input:    json.RawMessage(`{"topic":"product launch","platform":"instagram"}`),
		Priority: models.PriorityHigh,
	}
	res, err := fx.co.ExecuteAgentTask(ctx, task)
	require.NoError(t, err)
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, agents.TypeContent, res.Type)
	assert.Equal(t, "response text", res.Output)
	assert.GreaterOrEqual(t, res.ExecutionMS, int64(0))

	// High priority routes premium.
	d, ok := catalog.Get(res.Model)
	require.True(t, ok)
	assert.Equal(t, models.TierPremium, d.Tier)

	// Identical input deduplicates through the canonical fingerprint.
	res2, err := fx.co.ExecuteAgentTask(ctx, &AgentTask{
		TenantID: "T1",
		Type:     agents.TypeContent,
		Input:    json.RawMessage(`{"topic":"product launch","platform":"instagram"}`),
		Priority: models.PriorityHigh,
	})
	require.NoError(t, err)
	assert.True(t, res2.Cached)
	assert.Equal(t, int64(1), pool.calls.Load())
}

func TestExecuteAgentTaskDefaultsToPreferredTier(t *testing.T) {
	catalog := models.NewCatalog()
	pool := &fakePool{fn: func(_ int64, req *models.CompletionRequest) (*models.CompletionResponse, error) {
		return okResponse(catalog, req.Model, 100, 50), nil
	}}
	fx := newFixture(t, 100, pool)
	ctx := context.Background()

	// Content agents prefer the premium tier.
	res, err := fx.co.ExecuteAgentTask(ctx, &AgentTask{
		TenantID: "T1",
		Type:     agents.TypeContent,
		Input:    json.RawMessage(`{"topic":"a"}`),
	})
	require.NoError(t, err)
	d, ok := catalog.Get(res.Model)
	require.True(t, ok)
	assert.Equal(t, models.TierPremium, d.Tier)

	// Analytics agents prefer the efficient tier.
	res, err = fx.co.ExecuteAgentTask(ctx, &AgentTask{
		TenantID: "T1",
		Type:     agents.TypeAnalytics,
		Input:    json.RawMessage(`{"window":"7d"}`),
	})
	require.NoError(t, err)
	d, ok = catalog.Get(res.Model)
	require.True(t, ok)
	assert.Equal(t, models.TierEfficient, d.Tier)

	// An explicit task priority still wins over the agent's preference.
	res, err = fx.co.ExecuteAgentTask(ctx, &AgentTask{
		TenantID: "T1",
		Type:     agents.TypeAnalytics,
		Input:    json.RawMessage(`{"window":"30d"}`),
		Priority: models.PriorityHigh,
	})
	require.NoError(t, err)
	d, ok = catalog.Get(res.Model)
	require.True(t, ok)
	assert.Equal(t, models.TierPremium, d.Tier)
}

func TestExecuteAgentTaskUnknownType(t *testing.T) {
	pool := &fakePool{fn: func(int64, *models.CompletionRequest) (*models.CompletionResponse, error) {
		return nil, nil
	}}
	fx := newFixture(t, 100, pool)

	_, err := fx.co.ExecuteAgentTask(context.Background(), &AgentTask{
		TenantID: "T1", Type: "astrology", Input: json.RawMessage(`{}`),
	})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
}
