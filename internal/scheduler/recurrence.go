package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/models"
)

// Recurrences turns cron expressions into delayed-queue jobs. Each tick
// enqueues one job keyed by the recurrence name plus the fire time, so a
// tick that lands twice (restart, leader change) still schedules once.
type Recurrences struct {
	queue  *Queue
	logger *zap.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewRecurrences builds an idle recurrence manager.
func NewRecurrences(queue *Queue, logger *zap.Logger) *Recurrences {
	return &Recurrences{
		queue:   queue,
		logger:  logger,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a recurrence under a unique name. The expression uses the
// standard five-field cron syntax.
func (r *Recurrences) Add(name, expr, tenantID, kind string, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return &models.ValidationError{Field: "name", Reason: fmt.Sprintf("recurrence %q already registered", name)}
	}
	id, err := r.cron.AddFunc(expr, func() {
		fireAt := time.Now().Add(time.Second)
		businessKey := fmt.Sprintf("recur:%s:%d", name, fireAt.Unix())
		if _, err := r.queue.Schedule(context.Background(), tenantID, kind, payload, fireAt, businessKey); err != nil {
			r.logger.Warn("Recurrence tick failed to schedule",
				zap.String("name", name), zap.Error(err))
			return
		}
		r.logger.Debug("Recurrence tick scheduled",
			zap.String("name", name), zap.Time("fire_at", fireAt))
	})
	if err != nil {
		return &models.ValidationError{Field: "cron", Reason: err.Error()}
	}
	r.entries[name] = id
	return nil
}

// Remove unregisters a recurrence.
func (r *Recurrences) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.entries[name]
	if !ok {
		return &models.NotFoundError{Resource: "recurrence", ID: name}
	}
	r.cron.Remove(id)
	delete(r.entries, name)
	return nil
}

// Start begins firing ticks.
func (r *Recurrences) Start() { r.cron.Start() }

// Stop halts ticks and waits for running ones.
func (r *Recurrences) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
