package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		MaxHalfOpenRequests: 1,
		Interval:            time.Minute,
		OpenTimeout:         30 * time.Millisecond,
		FailureThreshold:    3,
		SuccessThreshold:    2,
	}
}

func fail(b *Breaker) error {
	return b.Execute(context.Background(), func() error { return errBoom })
}

func succeed(b *Breaker) error {
	return b.Execute(context.Background(), func() error { return nil })
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, b.State())
		require.ErrorIs(t, fail(b), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	// Calls are rejected without running fn.
	ran := false
	err := b.Execute(context.Background(), func() error { ran = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, ran)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())

	require.Error(t, fail(b))
	require.Error(t, fail(b))
	require.NoError(t, succeed(b))
	require.Error(t, fail(b))
	require.Error(t, fail(b))
	assert.Equal(t, StateClosed, b.State(), "non-consecutive failures stay closed")
}

func TestBreakerHalfOpenProbeAndClose(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	for i := 0; i < 3; i++ {
		require.Error(t, fail(b))
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, succeed(b))
	require.NoError(t, succeed(b))
	assert.Equal(t, StateClosed, b.State(), "success threshold closes the breaker")
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	for i := 0; i < 3; i++ {
		require.Error(t, fail(b))
	}
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.ErrorIs(t, fail(b), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerLimitsHalfOpenProbes(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	for i := 0; i < 3; i++ {
		require.Error(t, fail(b))
	}
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Execute(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := succeed(b)
	assert.ErrorIs(t, err, ErrTooManyRequests)
	close(release)
}
