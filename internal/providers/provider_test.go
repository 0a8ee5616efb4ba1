package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/models"
)

type fakeProvider struct {
	name  string
	calls int
	fn    func(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	f.calls++
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &models.CompletionResponse{Text: "ok", Model: req.Model}, nil
}

func newTestPool(t *testing.T) (*Pool, *fakeProvider, *fakeProvider) {
	t.Helper()
	catalog := models.NewCatalog()
	pool := NewPool(catalog, PoolOptions{Timeout: time.Second}, zap.NewNop())
	oa := &fakeProvider{name: models.ProviderOpenAI}
	an := &fakeProvider{name: models.ProviderAnthropic}
	pool.Register(oa)
	pool.Register(an)
	require.NoError(t, pool.Start())
	t.Cleanup(pool.Stop)
	return pool, oa, an
}

func TestPoolDispatchesByModelProvider(t *testing.T) {
	pool, oa, an := newTestPool(t)

	resp, err := pool.Complete(context.Background(), &models.CompletionRequest{
		Model:    models.ModelGPT4oMini,
		Messages: []models.Message{{Role: models.RoleUser, Text: "hi"}},
		TenantID: "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModelGPT4oMini, resp.Model)
	assert.Equal(t, 1, oa.calls)
	assert.Equal(t, 0, an.calls)

	_, err = pool.Complete(context.Background(), &models.CompletionRequest{
		Model:    models.ModelClaudeSonnet,
		Messages: []models.Message{{Role: models.RoleUser, Text: "hi"}},
		TenantID: "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, an.calls)
}

func TestPoolRejectsUnknownModel(t *testing.T) {
	pool, _, _ := newTestPool(t)

	_, err := pool.Complete(context.Background(), &models.CompletionRequest{Model: "nope"})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "model", verr.Field)
}

func TestPoolStartRequiresAdapterCoverage(t *testing.T) {
	catalog := models.NewCatalog()
	pool := NewPool(catalog, PoolOptions{}, zap.NewNop())
	pool.Register(&fakeProvider{name: models.ProviderOpenAI})

	err := pool.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), models.ProviderAnthropic)
}

func TestPoolPropagatesUpstreamErrors(t *testing.T) {
	pool, oa, _ := newTestPool(t)
	oa.fn = func(context.Context, *models.CompletionRequest) (*models.CompletionResponse, error) {
		return nil, &UpstreamError{Kind: KindRateLimited, Provider: models.ProviderOpenAI, RetryAfter: 2 * time.Second}
	}

	_, err := pool.Complete(context.Background(), &models.CompletionRequest{
		Model:    models.ModelGPT4o,
		Messages: []models.Message{{Role: models.RoleUser, Text: "hi"}},
		TenantID: "t1",
	})
	ue, ok := AsUpstream(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, ue.Kind)
	assert.Equal(t, 2*time.Second, ue.RetryAfter)
}

func TestEstimatePromptTokens(t *testing.T) {
	assert.Zero(t, EstimatePromptTokens(nil))

	// One message: 4 overhead + ceil(4/4) content.
	got := EstimatePromptTokens([]models.Message{{Role: models.RoleUser, Text: "abcd"}})
	assert.Equal(t, 5, got)

	// Two messages, second with a partial chunk: 4+ceil(5/4) + 4+0.
	got = EstimatePromptTokens([]models.Message{
		{Role: models.RoleUser, Text: "hello"},
		{Role: models.RoleAssistant, Text: ""},
	})
	assert.Equal(t, 10, got)
}

func TestEstimateCompletionTokens(t *testing.T) {
	assert.Zero(t, EstimateCompletionTokens(""))
	assert.Equal(t, 1, EstimateCompletionTokens("a"))
	assert.Equal(t, 1, EstimateCompletionTokens("abcd"))
	assert.Equal(t, 2, EstimateCompletionTokens("abcde"))
}

func TestClampRequest(t *testing.T) {
	d := models.Descriptor{MaxOutputTokens: 1000}

	temp, max := clampRequest(&models.CompletionRequest{Temperature: 0.7, MaxTokens: 200}, d)
	assert.InDelta(t, 0.7, temp, 1e-9)
	assert.Equal(t, 200, max)

	// Zero max tokens falls back to the vendor cap; oversized is clamped.
	_, max = clampRequest(&models.CompletionRequest{}, d)
	assert.Equal(t, 1000, max)
	_, max = clampRequest(&models.CompletionRequest{MaxTokens: 5000}, d)
	assert.Equal(t, 1000, max)

	temp, _ = clampRequest(&models.CompletionRequest{Temperature: -1}, d)
	assert.Zero(t, temp)
	temp, _ = clampRequest(&models.CompletionRequest{Temperature: 3}, d)
	assert.InDelta(t, 2.0, temp, 1e-9)
}

func TestFinalizeUsage(t *testing.T) {
	req := &models.CompletionRequest{Messages: []models.Message{{Role: models.RoleUser, Text: "abcd"}}}

	// Vendor counts are kept; total is recomputed.
	usage := finalizeUsage(req, "out", models.TokenUsage{PromptTokens: 10, CompletionTokens: 7})
	assert.Equal(t, models.TokenUsage{PromptTokens: 10, CompletionTokens: 7, TotalTokens: 17}, usage)

	// Missing counts fall back to the estimator.
	usage = finalizeUsage(req, "abcdefgh", models.TokenUsage{})
	assert.Equal(t, 5, usage.PromptTokens)
	assert.Equal(t, 2, usage.CompletionTokens)
	assert.Equal(t, 7, usage.TotalTokens)

	// Empty completion text stays at zero completion tokens.
	usage = finalizeUsage(req, "", models.TokenUsage{})
	assert.Zero(t, usage.CompletionTokens)
	assert.Equal(t, usage.PromptTokens, usage.TotalTokens)
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, KindAuth, classifyStatus(http.StatusUnauthorized))
	assert.Equal(t, KindAuth, classifyStatus(http.StatusForbidden))
	assert.Equal(t, KindRateLimited, classifyStatus(http.StatusTooManyRequests))
	assert.Equal(t, KindBadRequest, classifyStatus(http.StatusBadRequest))
	assert.Equal(t, KindUnavailable, classifyStatus(http.StatusInternalServerError))
	assert.Equal(t, KindUnavailable, classifyStatus(http.StatusBadGateway))
}

func TestRetryAfterFromResponse(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	assert.Zero(t, retryAfterFromResponse(nil))
	assert.Zero(t, retryAfterFromResponse(resp))

	resp.Header.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, retryAfterFromResponse(resp))

	resp.Header.Set("Retry-After", "Wed, 21 Oct 2026 07:28:00 GMT")
	assert.Zero(t, retryAfterFromResponse(resp), "HTTP-date form is ignored")
}

func TestWrapTransport(t *testing.T) {
	ue := wrapTransport("openai", context.DeadlineExceeded)
	assert.Equal(t, KindTransient, ue.Kind)
	assert.True(t, errors.Is(ue, context.DeadlineExceeded))

	ue = wrapTransport("openai", errors.New("connection refused"))
	assert.Equal(t, KindUnavailable, ue.Kind)
}
