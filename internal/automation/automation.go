// Package automation holds per-tenant automation configuration and the rule
// engine that decides whether generated content publishes automatically or
// waits for approval.
package automation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/postpilot/coordinator/internal/models"
)

// Automation modes.
const (
	ModeFullAutonomous = "full_autonomous"
	ModeAssisted       = "assisted"
	ModeManual         = "manual"
	ModeHybrid         = "hybrid"
)

// Condition attributes.
const (
	AttrPlatform    = "platform"
	AttrContentType = "content_type"
	AttrTime        = "time"
	AttrPerformance = "performance"
	AttrSentiment   = "sentiment"
)

// Condition operators.
const (
	OpEquals   = "equals"
	OpContains = "contains"
	OpGT       = "gt"
	OpLT       = "lt"
)

// Action kinds.
const (
	ActionAutoPublish     = "auto_publish"
	ActionRequireApproval = "require_approval"
	ActionSkip            = "skip"
	ActionNotify          = "notify"
)

// Condition is the tagged predicate variant of a rule.
type Condition struct {
	Attr  string      `json:"attr"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// Action is the tagged consequence variant of a rule.
type Action struct {
	Kind   string                 `json:"kind"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Rule is one automation rule. Higher priority wins.
type Rule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Condition Condition `json:"condition"`
	Action    Action    `json:"action"`
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
}

// Validate checks the tagged variants of a rule.
func (r Rule) Validate() error {
	switch r.Condition.Attr {
	case AttrPlatform, AttrContentType, AttrTime, AttrPerformance, AttrSentiment:
	default:
		return &models.ValidationError{Field: "condition.attr", Reason: fmt.Sprintf("unknown attribute %q", r.Condition.Attr)}
	}
	switch r.Condition.Op {
	case OpEquals, OpContains, OpGT, OpLT:
	default:
		return &models.ValidationError{Field: "condition.op", Reason: fmt.Sprintf("unknown operator %q", r.Condition.Op)}
	}
	switch r.Action.Kind {
	case ActionAutoPublish, ActionRequireApproval, ActionSkip, ActionNotify:
	default:
		return &models.ValidationError{Field: "action.kind", Reason: fmt.Sprintf("unknown action %q", r.Action.Kind)}
	}
	return nil
}

// Config is a tenant's automation configuration.
type Config struct {
	TenantID           string   `json:"tenant_id"`
	Mode               string   `json:"mode"`
	Rules              []Rule   `json:"rules"`
	EnabledTypes       []string `json:"enabled_types"`
	ScheduleAutomation bool     `json:"schedule_automation"`
	ApprovalRequired   bool     `json:"approval_required"`
	MaxDailyPosts      int      `json:"max_daily_posts,omitempty"`
	AllowedPlatforms   []string `json:"allowed_platforms,omitempty"`
}

// Validate checks the config mode and rules.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeFullAutonomous, ModeAssisted, ModeManual, ModeHybrid:
	default:
		return &models.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", c.Mode)}
	}
	for _, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TypeEnabled reports whether an agent type participates in workflows.
// An empty enabled set means all types are enabled.
func (c Config) TypeEnabled(agentType string) bool {
	if len(c.EnabledTypes) == 0 {
		return true
	}
	for _, t := range c.EnabledTypes {
		if t == agentType {
			return true
		}
	}
	return false
}

// DefaultConfig is the standing configuration for tenants that never set
// one: hybrid mode with approval required and no rules.
func DefaultConfig(tenantID string) Config {
	return Config{
		TenantID:         tenantID,
		Mode:             ModeHybrid,
		ApprovalRequired: true,
	}
}

// Decision is the outcome of rule evaluation.
type Decision struct {
	AutoPublish      bool     `json:"auto_publish"`
	RequiresApproval bool     `json:"requires_approval"`
	MatchedRule      string   `json:"matched_rule,omitempty"`
	Annotations      []string `json:"annotations,omitempty"`
}

// Evaluate runs the rule engine for a context. The result is a pure
// function of (config, context): rules are ordered by descending priority
// with id as the tie-break, so insertion order never changes the outcome.
func Evaluate(cfg Config, context map[string]interface{}) Decision {
	switch {
	case cfg.Mode == ModeFullAutonomous:
		return Decision{AutoPublish: true}
	case cfg.Mode == ModeAssisted || cfg.Mode == ModeManual || cfg.ApprovalRequired:
		return Decision{RequiresApproval: true}
	}

	rules := append([]Rule(nil), cfg.Rules...)
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	decision := Decision{RequiresApproval: true}
	decided := false
	for _, rule := range rules {
		if !rule.Active || !matches(rule.Condition, context) {
			continue
		}
		switch rule.Action.Kind {
		case ActionAutoPublish:
			if !decided {
				decision = Decision{AutoPublish: true, MatchedRule: rule.ID, Annotations: decision.Annotations}
				decided = true
			}
		case ActionRequireApproval:
			if !decided {
				decision = Decision{RequiresApproval: true, MatchedRule: rule.ID, Annotations: decision.Annotations}
				decided = true
			}
		default:
			// skip/notify annotate without altering the flags.
			decision.Annotations = append(decision.Annotations, rule.Action.Kind+":"+rule.ID)
		}
	}
	return decision
}

// matches evaluates one condition against the context. Unknown attributes
// are false, never an error.
func matches(cond Condition, context map[string]interface{}) bool {
	actual, ok := context[cond.Attr]
	if !ok {
		return false
	}
	switch cond.Op {
	case OpEquals:
		return stringify(actual) == stringify(cond.Value)
	case OpContains:
		return strings.Contains(stringify(actual), stringify(cond.Value))
	case OpGT:
		a, aok := toNumber(actual)
		b, bok := toNumber(cond.Value)
		return aok && bok && a > b
	case OpLT:
		a, aok := toNumber(actual)
		b, bok := toNumber(cond.Value)
		return aok && bok && a < b
	}
	return false
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
