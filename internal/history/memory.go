package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/coordinator/internal/models"
)

// MemoryStore keeps history in process memory. It backs tests and
// single-node deployments that run without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	byTask  map[string]*Record // key: tenant + "/" + task id
	ordered []string           // insertion order of keys
	hashes  map[string]map[string]struct{}
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTask: make(map[string]*Record),
		hashes: make(map[string]map[string]struct{}),
	}
}

func recordKey(tenantID, taskID string) string {
	return tenantID + "/" + taskID
}

// Record persists a copy of the record.
func (s *MemoryStore) Record(_ context.Context, rec *Record) error {
	if rec.TenantID == "" || rec.TaskID == "" {
		return &models.ValidationError{Field: "record", Reason: "tenant_id and task_id are required"}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	key := recordKey(rec.TenantID, rec.TaskID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byTask[key]; exists {
		return &models.ConflictError{Resource: "task record", ID: rec.TaskID, Reason: "already recorded"}
	}
	cp := *rec
	cp.Feedback = append([]Feedback(nil), rec.Feedback...)
	s.byTask[key] = &cp
	s.ordered = append(s.ordered, key)
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(_ context.Context, tenantID, taskID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byTask[recordKey(tenantID, taskID)]
	if !ok {
		return nil, &models.NotFoundError{Resource: "task", ID: taskID}
	}
	cp := *rec
	cp.Feedback = append([]Feedback(nil), rec.Feedback...)
	return &cp, nil
}

// List returns matching records newest first.
func (s *MemoryStore) List(_ context.Context, tenantID string, filter ListFilter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for i := len(s.ordered) - 1; i >= 0; i-- {
		rec := s.byTask[s.ordered[i]]
		if rec.TenantID != tenantID {
			continue
		}
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && rec.CreatedAt.Before(filter.Since) {
			continue
		}
		cp := *rec
		cp.Feedback = append([]Feedback(nil), rec.Feedback...)
		out = append(out, cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// AddFeedback attaches feedback once per content hash.
func (s *MemoryStore) AddFeedback(_ context.Context, tenantID, taskID string, fb Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	key := recordKey(tenantID, taskID)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byTask[key]
	if !ok {
		return &models.NotFoundError{Resource: "task", ID: taskID}
	}
	hash := fb.Hash()
	if s.hashes[key] == nil {
		s.hashes[key] = make(map[string]struct{})
	}
	if _, seen := s.hashes[key][hash]; seen {
		return nil
	}
	s.hashes[key][hash] = struct{}{}
	rec.Feedback = append(rec.Feedback, fb)
	return nil
}
