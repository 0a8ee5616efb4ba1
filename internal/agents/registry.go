// Package agents holds the static agent-type registry. A descriptor fully
// parameterises an agent's behavior; per-tenant personalisation flows
// through the task input, never by mutating a descriptor.
package agents

import (
	"fmt"
	"sort"
	"time"

	"github.com/postpilot/coordinator/internal/models"
)

// Agent types.
const (
	TypeContent    = "content"
	TypeStrategy   = "strategy"
	TypeEngagement = "engagement"
	TypeAnalytics  = "analytics"
	TypeTrend      = "trend"
	TypeCompetitor = "competitor"
	TypeCrisis     = "crisis"
	TypeSentiment  = "sentiment"
	TypeHashtag    = "hashtag"
)

// Descriptor configures one agent type.
type Descriptor struct {
	Type          string        `json:"type"`
	SystemPrompt  string        `json:"system_prompt"`
	Temperature   float64       `json:"temperature"`
	CacheTTL      time.Duration `json:"cache_ttl"`
	PreferredTier string        `json:"preferred_tier"`
}

// Registry maps agent types to descriptors. It is immutable after
// construction so it is safe for concurrent reads without locking.
type Registry struct {
	byType map[string]Descriptor
}

// NewRegistry builds the default registry. Analytical types run cold
// (temperature 0.2), creative types run hot, and cache TTLs reflect how
// quickly each type's answers go stale.
func NewRegistry() *Registry {
	descriptors := []Descriptor{
		{
			Type:          TypeContent,
			SystemPrompt:  "You are a social media content creator. Write engaging, platform-appropriate posts that match the brand voice supplied in the input. Return only the post text.",
			Temperature:   0.8,
			CacheTTL:      24 * time.Hour,
			PreferredTier: models.TierPremium,
		},
		{
			Type:          TypeStrategy,
			SystemPrompt:  "You are a social media strategist. Analyze the input and produce a concrete content strategy as JSON with themes, posting cadence and target audiences.",
			Temperature:   0.2,
			CacheTTL:      7 * 24 * time.Hour,
			PreferredTier: models.TierPremium,
		},
		{
			Type:          TypeEngagement,
			SystemPrompt:  "You are an audience engagement specialist. Suggest replies, conversation starters and community actions that increase interaction on the given content.",
			Temperature:   0.6,
			CacheTTL:      time.Hour,
			PreferredTier: models.TierEfficient,
		},
		{
			Type:          TypeAnalytics,
			SystemPrompt:  "You are a social media analyst. Interpret the metrics in the input and report findings as JSON with observations and recommended actions.",
			Temperature:   0.2,
			CacheTTL:      24 * time.Hour,
			PreferredTier: models.TierEfficient,
		},
		{
			Type:          TypeTrend,
			SystemPrompt:  "You are a trend researcher. Identify currently relevant topics, formats and hashtags for the niche described in the input.",
			Temperature:   0.5,
			CacheTTL:      time.Hour,
			PreferredTier: models.TierEfficient,
		},
		{
			Type:          TypeCompetitor,
			SystemPrompt:  "You are a competitive intelligence analyst. Compare the tenant's presence against the competitors in the input and report gaps and opportunities as JSON.",
			Temperature:   0.2,
			CacheTTL:      24 * time.Hour,
			PreferredTier: models.TierEfficient,
		},
		{
			Type:          TypeCrisis,
			SystemPrompt:  "You are a crisis communication advisor. Assess the situation in the input, rate its severity, and draft a measured public response.",
			Temperature:   0.2,
			CacheTTL:      30 * time.Minute,
			PreferredTier: models.TierPremium,
		},
		{
			Type:          TypeSentiment,
			SystemPrompt:  "You are a sentiment analyst. Classify the sentiment of the comments in the input and summarize the drivers as JSON.",
			Temperature:   0.2,
			CacheTTL:      24 * time.Hour,
			PreferredTier: models.TierEfficient,
		},
		{
			Type:          TypeHashtag,
			SystemPrompt:  "You are a hashtag optimization specialist. Propose a ranked hashtag set for the post in the input, mixing reach and niche tags.",
			Temperature:   0.4,
			CacheTTL:      24 * time.Hour,
			PreferredTier: models.TierEfficient,
		},
	}
	r := &Registry{byType: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		r.byType[d.Type] = d
	}
	return r
}

// Get returns the descriptor for an agent type.
func (r *Registry) Get(agentType string) (Descriptor, error) {
	d, ok := r.byType[agentType]
	if !ok {
		return Descriptor{}, &models.ValidationError{
			Field:  "type",
			Reason: fmt.Sprintf("unknown agent type %q", agentType),
		}
	}
	return d, nil
}

// Types returns all registered agent types in deterministic order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Has reports whether an agent type is registered.
func (r *Registry) Has(agentType string) bool {
	_, ok := r.byType[agentType]
	return ok
}
