// Package history persists task execution records and derives learning
// insights from accumulated feedback. Records are append-only and referenced
// by id; feedback attaches later and is idempotent per content hash.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/postpilot/coordinator/internal/models"
)

// Task statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Feedback is user feedback on a task's output. Rating is 1..5.
type Feedback struct {
	Rating        int                `json:"rating"`
	Useful        bool               `json:"useful"`
	Modifications string             `json:"modifications,omitempty"`
	PerfMetrics   map[string]float64 `json:"perf_metrics,omitempty"`
	Comments      string             `json:"comments,omitempty"`
}

// Hash is the idempotency key for feedback attachment.
func (f Feedback) Hash() string {
	payload, _ := json.Marshal(f)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Validate checks feedback invariants.
func (f Feedback) Validate() error {
	if f.Rating < 1 || f.Rating > 5 {
		return &models.ValidationError{Field: "rating", Reason: "must be in 1..5"}
	}
	return nil
}

// Record is one task execution history entry.
type Record struct {
	ID           string          `json:"id" db:"id"`
	TenantID     string          `json:"tenant_id" db:"tenant_id"`
	TaskID       string          `json:"task_id" db:"task_id"`
	Type         string          `json:"type" db:"agent_type"`
	Input        json.RawMessage `json:"input" db:"input"`
	Output       string          `json:"output" db:"output"`
	Model        string          `json:"model" db:"model"`
	CostUSD      float64         `json:"cost_usd" db:"cost_usd"`
	ExecutionMS  int64           `json:"execution_ms" db:"execution_ms"`
	WorkflowID   string          `json:"workflow_id,omitempty" db:"workflow_id"`
	ParentTaskID string          `json:"parent_task_id,omitempty" db:"parent_task_id"`
	Status       string          `json:"status" db:"status"`
	Feedback     []Feedback      `json:"feedback,omitempty" db:"-"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// ListFilter narrows List queries. Zero values mean no constraint.
type ListFilter struct {
	Type       string
	WorkflowID string
	Status     string
	Since      time.Time
	Limit      int
}

// Store is the persistence contract. Both the in-memory store and the
// Postgres store satisfy it; learning computations are pure functions over
// the returned records.
type Store interface {
	// Record persists a task record. The record id must be unique.
	Record(ctx context.Context, rec *Record) error
	// Get fetches a record by task id, enforcing tenant ownership.
	Get(ctx context.Context, tenantID, taskID string) (*Record, error)
	// List returns a tenant's records, newest first.
	List(ctx context.Context, tenantID string, filter ListFilter) ([]Record, error)
	// AddFeedback attaches feedback idempotently per (task, feedback hash).
	AddFeedback(ctx context.Context, tenantID, taskID string, fb Feedback) error
}
