package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Post is the slice of a content item the rotation needs.
type Post struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	LastPublishedAt *time.Time `json:"last_published_at,omitempty"`
	PublishCount    int        `json:"publish_count"`
}

// PostStore supplies evergreen-tagged posts and their publish stats.
type PostStore interface {
	EvergreenPosts(ctx context.Context, tenantID string) ([]Post, error)
	PublishHistory(ctx context.Context, tenantID string, since time.Time) ([]PublishSample, error)
}

// Publisher is the external publishing subsystem.
type Publisher interface {
	Publish(ctx context.Context, tenantID, postID string) error
}

// Priority bands.
const (
	BandHigh   = "high"
	BandMedium = "medium"
	BandLow    = "low"
)

// RankedPost is a post with its computed rotation priority.
type RankedPost struct {
	Post     Post    `json:"post"`
	Priority float64 `json:"priority"`
	Band     string  `json:"band"`
}

// publishPayload is the payload of rotation-scheduled publish jobs.
type publishPayload struct {
	PostID   string `json:"post_id"`
	TenantID string `json:"tenant_id"`
}

// EvergreenPriority scores a post for rotation:
// 100 - min(50, max(0, 50 - days_since_last_publish)) - min(30, 3*publish_count).
// Never-published posts score the full recency term, so they always rank
// at 100 minus nothing.
func EvergreenPriority(post Post, now time.Time) float64 {
	days := math.Inf(1)
	if post.LastPublishedAt != nil {
		days = now.Sub(*post.LastPublishedAt).Hours() / 24
	}
	recencyPenalty := math.Min(50, math.Max(0, 50-days))
	countPenalty := math.Min(30, 3*float64(post.PublishCount))
	return 100 - recencyPenalty - countPenalty
}

// PriorityBand labels a priority value.
func PriorityBand(priority float64) string {
	switch {
	case priority >= 70:
		return BandHigh
	case priority >= 40:
		return BandMedium
	default:
		return BandLow
	}
}

// Evergreen drives periodic re-publication of evergreen content.
type Evergreen struct {
	queue  *Queue
	posts  PostStore
	logger *zap.Logger
	now    func() time.Time
}

// NewEvergreen builds the rotation scheduler.
func NewEvergreen(queue *Queue, posts PostStore, logger *zap.Logger) *Evergreen {
	return &Evergreen{queue: queue, posts: posts, logger: logger, now: time.Now}
}

// Rank scores all of a tenant's evergreen posts, highest priority first.
func (e *Evergreen) Rank(ctx context.Context, tenantID string) ([]RankedPost, error) {
	posts, err := e.posts.EvergreenPosts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("evergreen: load posts: %w", err)
	}
	now := e.now()
	ranked := make([]RankedPost, 0, len(posts))
	for _, p := range posts {
		priority := EvergreenPriority(p, now)
		ranked = append(ranked, RankedPost{Post: p, Priority: priority, Band: PriorityBand(priority)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority > ranked[j].Priority
		}
		return ranked[i].Post.ID < ranked[j].Post.ID
	})
	return ranked, nil
}

// ScheduleRotation picks the top count posts and schedules each at the next
// optimal slot, one slot apart. Posts already queued keep their existing
// job; the business key guard makes the rotation idempotent.
func (e *Evergreen) ScheduleRotation(ctx context.Context, tenantID string, count int) ([]*Job, error) {
	if count <= 0 {
		count = 3
	}
	ranked, err := e.Rank(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(ranked) > count {
		ranked = ranked[:count]
	}

	samples, err := e.posts.PublishHistory(ctx, tenantID, e.now().AddDate(0, 0, -90))
	if err != nil {
		return nil, fmt.Errorf("evergreen: load publish history: %w", err)
	}
	slots := OptimalSlots(samples)

	var jobs []*Job
	cursor := e.now()
	for _, rp := range ranked {
		fireAt := NextOptimalTime(slots, cursor)
		cursor = fireAt

		payload, err := json.Marshal(publishPayload{PostID: rp.Post.ID, TenantID: tenantID})
		if err != nil {
			return jobs, fmt.Errorf("evergreen: marshal payload: %w", err)
		}
		businessKey := fmt.Sprintf("evergreen:%s:%s", tenantID, rp.Post.ID)
		job, err := e.queue.Schedule(ctx, tenantID, KindPublish, payload, fireAt, businessKey)
		if err != nil {
			// Already pending for this post; rotation skips it.
			e.logger.Debug("Evergreen post already scheduled",
				zap.String("post_id", rp.Post.ID), zap.Error(err))
			continue
		}
		e.logger.Info("Evergreen post scheduled",
			zap.String("post_id", rp.Post.ID),
			zap.Float64("priority", rp.Priority),
			zap.String("band", rp.Band),
			zap.Time("fire_at", fireAt))
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// PublishHandler returns the worker handler that resolves publish payloads
// against the external publisher.
func PublishHandler(publisher Publisher) Handler {
	return func(ctx context.Context, job *Job) error {
		var p publishPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("publish: corrupt payload: %w", err)
		}
		return publisher.Publish(ctx, p.TenantID, p.PostID)
	}
}

// rotationPayload is the payload of rotation jobs.
type rotationPayload struct {
	Count int `json:"count,omitempty"`
}

// RotationHandler returns the worker handler that runs an evergreen rotation
// for the job's tenant. An empty payload rotates the default top three.
func RotationHandler(e *Evergreen) Handler {
	return func(ctx context.Context, job *Job) error {
		var p rotationPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return fmt.Errorf("rotation: corrupt payload: %w", err)
			}
		}
		_, err := e.ScheduleRotation(ctx, job.TenantID, p.Count)
		return err
	}
}
