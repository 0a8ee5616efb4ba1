// Package scheduler runs delayed jobs from a Redis-backed queue. Jobs are
// addressed by a caller-visible business key with an at-most-one-pending
// guarantee; a periodic sweep re-enqueues anything a crashed worker left
// behind.
//
// Key layout:
//
//	sched:queue              zset, member = job id, score = fire_at unix ms
//	sched:job:<id>           job JSON
//	sched:key:<businessKey>  job id, present while the job is pending|active
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/metrics"
	"github.com/postpilot/coordinator/internal/models"
)

// Job states.
const (
	StatePending   = "pending"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job kinds.
const (
	KindWorkflow          = "workflow"
	KindPublish           = "publish"
	KindEvergreenRotation = "evergreen_rotation"
)

const (
	queueKey    = "sched:queue"
	jobPrefix   = "sched:job:"
	keyPrefix   = "sched:key:"
	terminalTTL = 7 * 24 * time.Hour
)

// jobNamespace seeds deterministic job ids so a business key always maps to
// the same id across restarts.
var jobNamespace = uuid.MustParse("9d8f1c52-1b9e-4c80-9e1f-3a1d27c45d11")

// Job is one delayed-queue entry.
type Job struct {
	ID          string          `json:"id"`
	BusinessKey string          `json:"business_key"`
	TenantID    string          `json:"tenant_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	FireAt      time.Time       `json:"fire_at"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// QueueStats is a snapshot of queue depth by state.
type QueueStats struct {
	Pending int64 `json:"pending"`
	Overdue int64 `json:"overdue"`
}

// Queue is the durable job store.
type Queue struct {
	client redis.Cmdable
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue builds a queue over a Redis client.
func NewQueue(client redis.Cmdable, logger *zap.Logger) *Queue {
	return &Queue{client: client, logger: logger, now: time.Now}
}

// JobID derives the deterministic id for a business key.
func JobID(businessKey string) string {
	return uuid.NewSHA1(jobNamespace, []byte(businessKey)).String()
}

// Schedule enqueues a job. FireAt must be in the future and the business
// key must not already have a pending or active job.
func (q *Queue) Schedule(ctx context.Context, tenantID, kind string, payload json.RawMessage,
	fireAt time.Time, businessKey string) (*Job, error) {

	if businessKey == "" {
		return nil, &models.ValidationError{Field: "business_key", Reason: "required"}
	}
	now := q.now()
	if !fireAt.After(now) {
		return nil, &models.ValidationError{Field: "fire_at", Reason: "must be in the future"}
	}

	job := &Job{
		ID:          JobID(businessKey),
		BusinessKey: businessKey,
		TenantID:    tenantID,
		Kind:        kind,
		Payload:     payload,
		FireAt:      fireAt,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// SETNX on the key mapping is the at-most-one-pending guard.
	ok, err := q.client.SetNX(ctx, keyPrefix+businessKey, job.ID, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduler: reserve business key: %w", err)
	}
	if !ok {
		return nil, &models.ValidationError{Field: "business_key",
			Reason: fmt.Sprintf("job with key %q is already pending", businessKey)}
	}

	if err := q.save(ctx, job); err != nil {
		q.client.Del(ctx, keyPrefix+businessKey)
		return nil, err
	}
	if err := q.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		q.client.Del(ctx, keyPrefix+businessKey, jobPrefix+job.ID)
		return nil, fmt.Errorf("scheduler: enqueue: %w", err)
	}
	q.updateDepth(ctx)
	return job, nil
}

// Cancel removes a pending job by business key. Active jobs conflict;
// unknown keys are not found.
func (q *Queue) Cancel(ctx context.Context, businessKey string) error {
	job, err := q.ByBusinessKey(ctx, businessKey)
	if err != nil {
		return err
	}
	if job.State != StatePending {
		return &models.ConflictError{Resource: "scheduled job", ID: businessKey,
			Reason: fmt.Sprintf("state is %s", job.State)}
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, queueKey, job.ID)
	pipe.Del(ctx, jobPrefix+job.ID, keyPrefix+businessKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("scheduler: cancel: %w", err)
	}
	q.updateDepth(ctx)
	return nil
}

// Reschedule moves a pending job to a new fire time.
func (q *Queue) Reschedule(ctx context.Context, businessKey string, fireAt time.Time) (*Job, error) {
	if !fireAt.After(q.now()) {
		return nil, &models.ValidationError{Field: "fire_at", Reason: "must be in the future"}
	}
	job, err := q.ByBusinessKey(ctx, businessKey)
	if err != nil {
		return nil, err
	}
	if job.State != StatePending {
		return nil, &models.ConflictError{Resource: "scheduled job", ID: businessKey,
			Reason: fmt.Sprintf("state is %s", job.State)}
	}
	job.FireAt = fireAt
	job.UpdatedAt = q.now()
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	if err := q.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		return nil, fmt.Errorf("scheduler: reschedule: %w", err)
	}
	return job, nil
}

// ByBusinessKey resolves a job through the key mapping.
func (q *Queue) ByBusinessKey(ctx context.Context, businessKey string) (*Job, error) {
	id, err := q.client.Get(ctx, keyPrefix+businessKey).Result()
	if err == redis.Nil {
		return nil, &models.NotFoundError{Resource: "scheduled job", ID: businessKey}
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: resolve business key: %w", err)
	}
	return q.Get(ctx, id)
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, jobPrefix+id).Result()
	if err == redis.Nil {
		return nil, &models.NotFoundError{Resource: "scheduled job", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: load job: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("scheduler: corrupt job %s: %w", id, err)
	}
	return &job, nil
}

// claimDue pops one due job from the queue, transitioning it to active.
// Returns nil when nothing is due. ZRem arbitrates between concurrent
// workers: only the one that removes the member owns the job.
func (q *Queue) claimDue(ctx context.Context) (*Job, error) {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Count: 10,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("scheduler: poll due: %w", err)
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, queueKey, id).Result()
		if err != nil {
			return nil, fmt.Errorf("scheduler: claim: %w", err)
		}
		if removed == 0 {
			continue // another worker won
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			q.logger.Warn("Claimed job has no record, dropping", zap.String("job_id", id), zap.Error(err))
			q.releaseOrphanKey(ctx, id)
			continue
		}
		job.State = StateActive
		job.UpdatedAt = now
		if err := q.save(ctx, job); err != nil {
			return nil, err
		}
		q.updateDepth(ctx)
		return job, nil
	}
	return nil, nil
}

// releaseOrphanKey frees the business-key mapping of a job whose record is
// gone, so the key can be scheduled again. The id cannot be inverted back to
// its key, so this scans the mappings.
func (q *Queue) releaseOrphanKey(ctx context.Context, id string) {
	keys, err := q.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return
	}
	for _, key := range keys {
		mapped, err := q.client.Get(ctx, key).Result()
		if err != nil || mapped != id {
			continue
		}
		q.client.Del(ctx, key)
		return
	}
}

// finish records a terminal state and releases the business key.
func (q *Queue) finish(ctx context.Context, job *Job, state string) error {
	job.State = state
	job.UpdatedAt = q.now()
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("scheduler: marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+job.ID, raw, terminalTTL)
	pipe.Del(ctx, keyPrefix+job.BusinessKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("scheduler: finish: %w", err)
	}
	metrics.JobsScheduled.WithLabelValues(job.Kind, state).Inc()
	return nil
}

// requeue schedules a retry after a failed attempt.
func (q *Queue) requeue(ctx context.Context, job *Job, at time.Time) error {
	job.State = StatePending
	job.FireAt = at
	job.NextRetryAt = &at
	job.UpdatedAt = q.now()
	if err := q.save(ctx, job); err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		return fmt.Errorf("scheduler: requeue: %w", err)
	}
	q.updateDepth(ctx)
	return nil
}

func (q *Queue) save(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("scheduler: marshal job: %w", err)
	}
	if err := q.client.Set(ctx, jobPrefix+job.ID, raw, 0).Err(); err != nil {
		return fmt.Errorf("scheduler: save job: %w", err)
	}
	return nil
}

// sweepOverdue re-enqueues pending jobs whose fire time passed more than
// grace ago but that are missing from the queue zset. Returns the number
// recovered. Idempotent per business key: ZAdd of a present member is a
// no-op.
func (q *Queue) sweepOverdue(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := q.now().Add(-grace)
	keys, err := q.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("scheduler: sweep scan: %w", err)
	}
	recovered := 0
	for _, key := range keys {
		id, err := q.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		if job.State != StatePending || job.FireAt.After(cutoff) {
			continue
		}
		added, err := q.client.ZAdd(ctx, queueKey, redis.Z{
			Score:  float64(job.FireAt.UnixMilli()),
			Member: job.ID,
		}).Result()
		if err != nil {
			return recovered, fmt.Errorf("scheduler: sweep requeue: %w", err)
		}
		if added > 0 {
			recovered++
			metrics.SweepRecovered.Inc()
			q.logger.Info("Sweep recovered overdue job",
				zap.String("job_id", job.ID),
				zap.String("business_key", job.BusinessKey),
				zap.Time("fire_at", job.FireAt))
		}
	}
	q.updateDepth(ctx)
	return recovered, nil
}

// List returns jobs currently addressable by business key, i.e. pending or
// active ones.
func (q *Queue) List(ctx context.Context, tenantID string) ([]Job, error) {
	keys, err := q.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("scheduler: list: %w", err)
	}
	var out []Job
	for _, key := range keys {
		id, err := q.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		if tenantID != "" && job.TenantID != tenantID {
			continue
		}
		out = append(out, *job)
	}
	return out, nil
}

// Stats reports queue depth and how many entries are already overdue.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	total, err := q.client.ZCard(ctx, queueKey).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("scheduler: stats: %w", err)
	}
	overdue, err := q.client.ZCount(ctx, queueKey, "-inf",
		strconv.FormatInt(q.now().UnixMilli(), 10)).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("scheduler: stats: %w", err)
	}
	return QueueStats{Pending: total, Overdue: overdue}, nil
}

func (q *Queue) updateDepth(ctx context.Context) {
	if depth, err := q.client.ZCard(ctx, queueKey).Result(); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
}
