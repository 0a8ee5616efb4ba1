package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/postpilot/coordinator/internal/models"
)

// PostgresStore persists history in two tables:
//
//	task_history(id, tenant_id, task_id, agent_type, input, output, model,
//	             cost_usd, execution_ms, workflow_id, parent_task_id,
//	             status, created_at, completed_at)
//	task_feedback(task_record_id, hash, payload, created_at)
//	             with a unique index on (task_record_id, hash)
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an sqlx handle. A nil db yields a store whose
// writes are silently skipped, matching the optional-persistence setup.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type historyRow struct {
	ID           string         `db:"id"`
	TenantID     string         `db:"tenant_id"`
	TaskID       string         `db:"task_id"`
	Type         string         `db:"agent_type"`
	Input        []byte         `db:"input"`
	Output       string         `db:"output"`
	Model        string         `db:"model"`
	CostUSD      float64        `db:"cost_usd"`
	ExecutionMS  int64          `db:"execution_ms"`
	WorkflowID   sql.NullString `db:"workflow_id"`
	ParentTaskID sql.NullString `db:"parent_task_id"`
	Status       string         `db:"status"`
	CreatedAt    time.Time      `db:"created_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

func (r historyRow) toRecord() Record {
	rec := Record{
		ID:          r.ID,
		TenantID:    r.TenantID,
		TaskID:      r.TaskID,
		Type:        r.Type,
		Input:       json.RawMessage(r.Input),
		Output:      r.Output,
		Model:       r.Model,
		CostUSD:     r.CostUSD,
		ExecutionMS: r.ExecutionMS,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt,
	}
	if r.WorkflowID.Valid {
		rec.WorkflowID = r.WorkflowID.String
	}
	if r.ParentTaskID.Valid {
		rec.ParentTaskID = r.ParentTaskID.String
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		rec.CompletedAt = &t
	}
	return rec
}

// Record inserts a task record.
func (s *PostgresStore) Record(ctx context.Context, rec *Record) error {
	if s.db == nil {
		return nil
	}
	if rec.TenantID == "" || rec.TaskID == "" {
		return &models.ValidationError{Field: "record", Reason: "tenant_id and task_id are required"}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (id, tenant_id, task_id, agent_type, input, output,
			model, cost_usd, execution_ms, workflow_id, parent_task_id, status,
			created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14)`,
		rec.ID, rec.TenantID, rec.TaskID, rec.Type, []byte(rec.Input), rec.Output,
		rec.Model, rec.CostUSD, rec.ExecutionMS, rec.WorkflowID, rec.ParentTaskID,
		rec.Status, rec.CreatedAt, rec.CompletedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return &models.ConflictError{Resource: "task record", ID: rec.TaskID, Reason: "already recorded"}
		}
		return fmt.Errorf("history: insert record: %w", err)
	}
	return nil
}

// Get fetches one record with its feedback.
func (s *PostgresStore) Get(ctx context.Context, tenantID, taskID string) (*Record, error) {
	if s.db == nil {
		return nil, &models.NotFoundError{Resource: "task", ID: taskID}
	}
	var row historyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, task_id, agent_type, input, output, model,
			cost_usd, execution_ms, workflow_id, parent_task_id, status,
			created_at, completed_at
		FROM task_history WHERE tenant_id = $1 AND task_id = $2`, tenantID, taskID)
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Resource: "task", ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("history: get record: %w", err)
	}
	rec := row.toRecord()
	if err := s.loadFeedback(ctx, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) loadFeedback(ctx context.Context, rec *Record) error {
	var payloads [][]byte
	err := s.db.SelectContext(ctx, &payloads, `
		SELECT payload FROM task_feedback WHERE task_record_id = $1 ORDER BY created_at`, rec.ID)
	if err != nil {
		return fmt.Errorf("history: load feedback: %w", err)
	}
	for _, p := range payloads {
		var fb Feedback
		if err := json.Unmarshal(p, &fb); err != nil {
			continue
		}
		rec.Feedback = append(rec.Feedback, fb)
	}
	return nil
}

// List returns matching records newest first.
func (s *PostgresStore) List(ctx context.Context, tenantID string, filter ListFilter) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, tenant_id, task_id, agent_type, input, output, model,
			cost_usd, execution_ms, workflow_id, parent_task_id, status,
			created_at, completed_at
		FROM task_history WHERE tenant_id = $1`)
	args := []interface{}{tenantID}
	if filter.Type != "" {
		args = append(args, filter.Type)
		fmt.Fprintf(&query, " AND agent_type = $%d", len(args))
	}
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		fmt.Fprintf(&query, " AND workflow_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		fmt.Fprintf(&query, " AND status = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		fmt.Fprintf(&query, " AND created_at >= $%d", len(args))
	}
	query.WriteString(" ORDER BY created_at DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&query, " LIMIT $%d", len(args))
	}

	var rows []historyRow
	if err := s.db.SelectContext(ctx, &rows, query.String(), args...); err != nil {
		return nil, fmt.Errorf("history: list records: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := row.toRecord()
		if err := s.loadFeedback(ctx, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// AddFeedback inserts feedback; the unique index makes duplicates no-ops.
func (s *PostgresStore) AddFeedback(ctx context.Context, tenantID, taskID string, fb Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	if s.db == nil {
		return nil
	}
	rec, err := s.Get(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("history: marshal feedback: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_feedback (task_record_id, hash, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_record_id, hash) DO NOTHING`,
		rec.ID, fb.Hash(), payload, time.Now())
	if err != nil {
		return fmt.Errorf("history: insert feedback: %w", err)
	}
	return nil
}
