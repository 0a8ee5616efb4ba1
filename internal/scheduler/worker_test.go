package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLiveQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, zap.NewNop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestWorkersRunDueJob(t *testing.T) {
	q := newLiveQueue(t)
	ctx := context.Background()

	var ran atomic.Int64
	w := NewWorkers(q, WorkerOptions{Concurrency: 2, PollInterval: 10 * time.Millisecond}, zap.NewNop())
	w.Register(KindPublish, func(_ context.Context, job *Job) error {
		ran.Add(1)
		return nil
	})
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	job, err := q.Schedule(ctx, "t1", KindPublish, []byte(`{}`), time.Now().Add(50*time.Millisecond), "p1")
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool { return ran.Load() == 1 })

	waitFor(t, 3*time.Second, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.State == StateCompleted
	})
}

func TestWorkersRetryWithBackoffThenFail(t *testing.T) {
	q := newLiveQueue(t)
	ctx := context.Background()

	var attempts atomic.Int64
	w := NewWorkers(q, WorkerOptions{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		RetryBase:    20 * time.Millisecond,
		MaxAttempts:  3,
	}, zap.NewNop())
	w.Register(KindPublish, func(_ context.Context, job *Job) error {
		attempts.Add(1)
		return errors.New("publisher down")
	})
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	job, err := q.Schedule(ctx, "t1", KindPublish, []byte(`{}`), time.Now().Add(20*time.Millisecond), "p1")
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.State == StateFailed
	})
	assert.Equal(t, int64(3), attempts.Load())

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "publisher down", got.LastError)

	// The business key is released after the terminal state.
	_, err = q.Schedule(ctx, "t1", KindPublish, []byte(`{}`), time.Now().Add(time.Minute), "p1")
	assert.NoError(t, err)
}

func TestWorkersSweepRecoversAfterCrash(t *testing.T) {
	q := newLiveQueue(t)
	ctx := context.Background()

	var ran atomic.Int64
	w := NewWorkers(q, WorkerOptions{
		Concurrency:   1,
		PollInterval:  10 * time.Millisecond,
		SweepInterval: 50 * time.Millisecond,
		SweepGrace:    10 * time.Millisecond,
	}, zap.NewNop())
	w.Register(KindPublish, func(_ context.Context, job *Job) error {
		ran.Add(1)
		return nil
	})

	// Schedule, then simulate the crash that lost the queue entry before
	// the worker came up.
	job, err := q.Schedule(ctx, "t1", KindPublish, []byte(`{}`), time.Now().Add(20*time.Millisecond), "p1")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, q.client.ZRem(ctx, queueKey, job.ID).Err())

	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	waitFor(t, 5*time.Second, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.State == StateCompleted
	})
	assert.Equal(t, int64(1), ran.Load())
}

func TestWorkersUnknownKindFails(t *testing.T) {
	q := newLiveQueue(t)
	ctx := context.Background()

	w := NewWorkers(q, WorkerOptions{Concurrency: 1, PollInterval: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	job, err := q.Schedule(ctx, "t1", "teleport", nil, time.Now().Add(20*time.Millisecond), "x1")
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.State == StateFailed
	})
}

func TestBackoffGrowth(t *testing.T) {
	base := 2 * time.Second
	for attempt, floor := range map[int]time.Duration{1: 2 * time.Second, 2: 4 * time.Second, 3: 8 * time.Second} {
		d := backoff(base, attempt)
		assert.GreaterOrEqual(t, d, floor)
		assert.Less(t, d, floor+floor/4+time.Millisecond)
	}
}
