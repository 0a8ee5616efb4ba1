package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/models"
)

func newTestRouter() *Router {
	return New(models.NewCatalog(), zap.NewNop())
}

func TestRouteExplicitModelBypassesPolicy(t *testing.T) {
	r := newTestRouter()
	d, err := r.Route(&models.CompletionRequest{Model: models.ModelGPT4o}, models.PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, models.ModelGPT4o, d.Model)
	assert.Equal(t, models.TierPremium, d.Tier)
	assert.Equal(t, ReasonExplicit, d.Reason)
}

func TestRouteUnknownExplicitModel(t *testing.T) {
	r := newTestRouter()
	_, err := r.Route(&models.CompletionRequest{Model: "gpt-9"}, models.PriorityMedium)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "model", verr.Field)
}

func TestRouteLowPriorityPicksCheapestEfficient(t *testing.T) {
	r := newTestRouter()
	for i := 0; i < 5; i++ {
		d, err := r.Route(&models.CompletionRequest{}, models.PriorityLow)
		require.NoError(t, err)
		assert.Equal(t, models.ModelGPT4oMini, d.Model)
		assert.Equal(t, ReasonLowPriority, d.Reason)
	}
}

func TestRouteHighPriorityStaysPremium(t *testing.T) {
	r := newTestRouter()
	for i := 0; i < 10; i++ {
		d, err := r.Route(&models.CompletionRequest{}, models.PriorityHigh)
		require.NoError(t, err)
		assert.Equal(t, models.TierPremium, d.Tier)
		assert.Equal(t, ReasonHighPriority, d.Reason)
	}
}

func TestRouteMediumConvergesToSplit(t *testing.T) {
	r := newTestRouter()
	const n = 1000
	tiers := make(map[string]int)
	for i := 0; i < n; i++ {
		d, err := r.Route(&models.CompletionRequest{}, models.PriorityMedium)
		require.NoError(t, err)
		tiers[d.Tier]++
	}
	// The counter policy is exact over any multiple of 10 requests.
	assert.Equal(t, n*7/10, tiers[models.TierEfficient])
	assert.Equal(t, n*3/10, tiers[models.TierPremium])

	stats := r.Stats()
	assert.Equal(t, uint64(n), stats.Total)
	assert.Equal(t, uint64(n*7/10), stats.Efficient)
}

func TestRouteAlternatesWithinTier(t *testing.T) {
	r := newTestRouter()
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		d, err := r.Route(&models.CompletionRequest{}, models.PriorityMedium)
		require.NoError(t, err)
		seen[d.Model] = true
	}
	// Both efficient members rotate into service.
	assert.True(t, seen[models.ModelGPT4oMini])
	assert.True(t, seen[models.ModelClaudeHaiku])
}

func TestEstimate(t *testing.T) {
	r := newTestRouter()

	// gpt-4o-mini: $0.15/M input, $0.60/M output.
	cost, err := r.Estimate(models.ModelGPT4oMini, 1_000_000, 1_000_000)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, cost, 1e-9)

	_, err = r.Estimate("nope", 100, 100)
	assert.Error(t, err)
}
