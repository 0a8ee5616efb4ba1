// Package router picks a model for each request. Routing is a pure policy
// over the catalog plus one atomic counter, so decisions are cheap and the
// traffic split converges without coordination.
package router

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/metrics"
	"github.com/postpilot/coordinator/internal/models"
)

// Routing reasons reported in decisions and metrics.
const (
	ReasonExplicit     = "explicit_model"
	ReasonLowPriority  = "low_priority"
	ReasonHighPriority = "high_priority"
	ReasonSplit        = "traffic_split"
)

// Decision is the outcome of one routing call.
type Decision struct {
	Model  string `json:"model"`
	Tier   string `json:"tier"`
	Reason string `json:"reason"`
}

// Stats is a snapshot of routing counters.
type Stats struct {
	Total     uint64 `json:"total"`
	Efficient uint64 `json:"efficient"`
	Premium   uint64 `json:"premium"`
	Explicit  uint64 `json:"explicit"`
}

// Router routes requests across tiers with a 70/30 efficient/premium split
// for medium priority traffic.
type Router struct {
	catalog *models.Catalog
	logger  *zap.Logger

	// counter drives both the tier split and alternation within a tier.
	counter atomic.Uint64

	total     atomic.Uint64
	efficient atomic.Uint64
	premium   atomic.Uint64
	explicit  atomic.Uint64
}

// New builds a router over a catalog.
func New(catalog *models.Catalog, logger *zap.Logger) *Router {
	return &Router{catalog: catalog, logger: logger}
}

// Route picks a model. An explicit model on the request bypasses the policy
// entirely; otherwise priority decides the tier and the counter alternates
// among the tier's members for vendor diversity.
func (r *Router) Route(req *models.CompletionRequest, priority string) (Decision, error) {
	r.total.Add(1)

	if req.Model != "" {
		d, ok := r.catalog.Get(req.Model)
		if !ok {
			return Decision{}, &models.ValidationError{
				Field:  "model",
				Reason: fmt.Sprintf("unknown model %q", req.Model),
			}
		}
		r.explicit.Add(1)
		return r.decide(d, ReasonExplicit), nil
	}

	switch priority {
	case models.PriorityLow:
		d, ok := r.catalog.CheapestEfficient()
		if !ok {
			return Decision{}, fmt.Errorf("router: no efficient models in catalog")
		}
		r.efficient.Add(1)
		return r.decide(d, ReasonLowPriority), nil
	case models.PriorityHigh:
		d, err := r.pick(models.TierPremium)
		if err != nil {
			return Decision{}, err
		}
		r.premium.Add(1)
		return r.decide(d, ReasonHighPriority), nil
	default:
		n := r.counter.Add(1) - 1
		tier := models.TierPremium
		if n%10 < 7 {
			tier = models.TierEfficient
		}
		d, err := r.pick(tier)
		if err != nil {
			return Decision{}, err
		}
		if tier == models.TierEfficient {
			r.efficient.Add(1)
		} else {
			r.premium.Add(1)
		}
		return r.decide(d, ReasonSplit), nil
	}
}

// pick alternates over the sorted members of a tier.
func (r *Router) pick(tier string) (models.Descriptor, error) {
	members := r.catalog.Tier(tier)
	if len(members) == 0 {
		return models.Descriptor{}, fmt.Errorf("router: no models in tier %s", tier)
	}
	n := r.counter.Load()
	return members[n%uint64(len(members))], nil
}

func (r *Router) decide(d models.Descriptor, reason string) Decision {
	metrics.RouteDecisions.WithLabelValues(d.Tier, reason).Inc()
	return Decision{Model: d.ID, Tier: d.Tier, Reason: reason}
}

// Estimate projects the USD cost of a request against a candidate model
// using catalog prices and an assumed completion length.
func (r *Router) Estimate(model string, promptTokens, expectedCompletionTokens int) (float64, error) {
	if _, ok := r.catalog.Get(model); !ok {
		return 0, fmt.Errorf("router: unknown model %q", model)
	}
	return r.catalog.Cost(model, promptTokens, expectedCompletionTokens), nil
}

// Stats returns routing counters since process start.
func (r *Router) Stats() Stats {
	return Stats{
		Total:     r.total.Load(),
		Efficient: r.efficient.Load(),
		Premium:   r.premium.Load(),
		Explicit:  r.explicit.Load(),
	}
}
