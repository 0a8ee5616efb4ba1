package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePostStore struct {
	posts   []Post
	samples []PublishSample
}

func (f *fakePostStore) EvergreenPosts(_ context.Context, _ string) ([]Post, error) {
	return f.posts, nil
}

func (f *fakePostStore) PublishHistory(_ context.Context, _ string, _ time.Time) ([]PublishSample, error) {
	return f.samples, nil
}

func daysAgo(now time.Time, d int) *time.Time {
	t := now.AddDate(0, 0, -d)
	return &t
}

func TestEvergreenPriorityFormula(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		post Post
		want float64
	}{
		// 45 days ago, published twice: 100 - 5 - 6.
		{Post{ID: "a", LastPublishedAt: daysAgo(now, 45), PublishCount: 2}, 89},
		// 10 days ago, never republished: 100 - 40 - 0.
		{Post{ID: "b", LastPublishedAt: daysAgo(now, 10), PublishCount: 0}, 60},
		// Published today: full recency penalty.
		{Post{ID: "c", LastPublishedAt: daysAgo(now, 0), PublishCount: 0}, 50},
		// 30 days ago, published once: 100 - 20 - 3.
		{Post{ID: "d", LastPublishedAt: daysAgo(now, 30), PublishCount: 1}, 77},
		// Never published: no penalties.
		{Post{ID: "e", PublishCount: 0}, 100},
		// Heavy republication saturates the count penalty at 30.
		{Post{ID: "f", LastPublishedAt: daysAgo(now, 60), PublishCount: 20}, 70},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, EvergreenPriority(tc.post, now), 1e-9, tc.post.ID)
	}
}

func TestPriorityBands(t *testing.T) {
	assert.Equal(t, BandHigh, PriorityBand(89))
	assert.Equal(t, BandHigh, PriorityBand(70))
	assert.Equal(t, BandMedium, PriorityBand(60))
	assert.Equal(t, BandMedium, PriorityBand(40))
	assert.Equal(t, BandLow, PriorityBand(39))
}

func TestScheduleRotationPicksTopPriorities(t *testing.T) {
	q, now := newTestQueue(t)
	store := &fakePostStore{posts: []Post{
		{ID: "p1", LastPublishedAt: daysAgo(*now, 45), PublishCount: 2}, // 89
		{ID: "p2", LastPublishedAt: daysAgo(*now, 10), PublishCount: 0}, // 60
		{ID: "p3", LastPublishedAt: daysAgo(*now, 0), PublishCount: 0},  // 50
		{ID: "p4", LastPublishedAt: daysAgo(*now, 30), PublishCount: 1}, // 77
		{ID: "p5", PublishCount: 0},                                     // 100
	}}
	e := NewEvergreen(q, store, zap.NewNop())
	e.now = q.now
	ctx := context.Background()

	jobs, err := e.ScheduleRotation(ctx, "t1", 3)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	scheduled := map[string]bool{}
	for _, job := range jobs {
		assert.Equal(t, KindPublish, job.Kind)
		assert.True(t, job.FireAt.After(*now))
		scheduled[job.BusinessKey] = true
	}
	assert.True(t, scheduled["evergreen:t1:p5"], "never-published post ranks first")
	assert.True(t, scheduled["evergreen:t1:p1"])
	assert.True(t, scheduled["evergreen:t1:p4"])

	// Rotation is idempotent: rescheduling skips already-queued posts.
	again, err := e.ScheduleRotation(ctx, "t1", 3)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestScheduleRotationSpacesSlots(t *testing.T) {
	q, now := newTestQueue(t)
	store := &fakePostStore{posts: []Post{
		{ID: "p1", PublishCount: 0},
		{ID: "p2", PublishCount: 0},
	}}
	e := NewEvergreen(q, store, zap.NewNop())
	e.now = q.now

	jobs, err := e.ScheduleRotation(context.Background(), "t1", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[1].FireAt.After(jobs[0].FireAt), "posts land in distinct slots")
	_ = now
}

func TestRotationHandlerSchedulesPublishJobs(t *testing.T) {
	q, now := newTestQueue(t)
	store := &fakePostStore{posts: []Post{
		{ID: "p1", PublishCount: 0},
		{ID: "p2", PublishCount: 0},
		{ID: "p3", PublishCount: 0},
		{ID: "p4", PublishCount: 0},
	}}
	e := NewEvergreen(q, store, zap.NewNop())
	e.now = q.now
	ctx := context.Background()

	handler := RotationHandler(e)

	// Empty payload rotates the default top three.
	require.NoError(t, handler(ctx, &Job{TenantID: "t1", Kind: KindEvergreenRotation}))
	jobs, err := q.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.Equal(t, KindPublish, job.Kind)
		assert.True(t, job.FireAt.After(*now))
	}

	// An explicit count widens the rotation; already-queued posts are kept.
	require.NoError(t, handler(ctx, &Job{
		TenantID: "t2", Kind: KindEvergreenRotation,
		Payload: []byte(`{"count":1}`),
	}))
	jobs, err = q.List(ctx, "t2")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.Error(t, handler(ctx, &Job{
		TenantID: "t1", Kind: KindEvergreenRotation,
		Payload: []byte(`{broken`),
	}), "corrupt payload fails the job")
}
