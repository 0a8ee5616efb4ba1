package models

import (
	"fmt"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Task priorities. Priority biases the tier chosen by the router:
// low routes to the cheapest efficient model, high to the premium default,
// medium follows the configured split policy.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Message is a single conversation turn.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// TokenUsage tracks token consumption for a single completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionRequest is the shared request shape accepted by the coordinator
// and translated by provider adapters into vendor-specific calls.
type CompletionRequest struct {
	Messages        []Message `json:"messages"`
	Model           string    `json:"model,omitempty"` // explicit override; empty means route by policy
	Temperature     float64   `json:"temperature"`
	MaxTokens       int       `json:"max_tokens,omitempty"`
	TenantID        string    `json:"tenant_id"`
	CacheKey        string    `json:"cache_key,omitempty"` // caller-supplied cache identity
	CacheTTLSeconds int       `json:"cache_ttl_seconds,omitempty"`
}

// CompletionResponse is the uniform completion result.
// Invariant: TotalTokens = PromptTokens + CompletionTokens and CostUSD >= 0.
// When Cached is true the response came from the cache and no upstream call
// occurred.
type CompletionResponse struct {
	Text    string     `json:"text"`
	Model   string     `json:"model"`
	Usage   TokenUsage `json:"usage"`
	CostUSD float64    `json:"cost_usd"`
	Cached  bool       `json:"cached"`
}

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ValidateRequest checks the structural invariants of a completion request:
// at least one message, temperature within [0, 2], and at most one system
// turn which, if present, must come first. Multiple system turns are invalid.
func ValidateRequest(req *CompletionRequest) error {
	if req == nil {
		return &ValidationError{Field: "request", Reason: "missing"}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "at least one message is required"}
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return &ValidationError{Field: "temperature", Reason: fmt.Sprintf("%.3f outside [0, 2]", req.Temperature)}
	}
	systemSeen := 0
	for i, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			systemSeen++
			if i != 0 {
				return &ValidationError{Field: "messages", Reason: "system turn must be first"}
			}
			if systemSeen > 1 {
				return &ValidationError{Field: "messages", Reason: "multiple system turns"}
			}
		case RoleUser, RoleAssistant:
		default:
			return &ValidationError{Field: "messages", Reason: fmt.Sprintf("unknown role %q", m.Role)}
		}
	}
	if req.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if req.MaxTokens < 0 {
		return &ValidationError{Field: "max_tokens", Reason: "must be >= 0"}
	}
	return nil
}

// SystemPrompt returns the system turn text, if any.
func SystemPrompt(messages []Message) string {
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		return messages[0].Text
	}
	return ""
}

// ValidatePriority checks the priority tag, defaulting empty to medium.
func ValidatePriority(p string) (string, error) {
	switch p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	default:
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", p)}
	}
}
