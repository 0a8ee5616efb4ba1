package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T, opts Options) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts, zap.NewNop()), mr
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
}

func TestTrackAccumulatesSpend(t *testing.T) {
	l, _ := newTestLedger(t, Options{DefaultMonthlyLimitUSD: 100, Now: fixedNow})
	ctx := context.Background()

	require.NoError(t, l.Track(ctx, Entry{
		TenantID: "t1", Model: "gpt-4o-mini", Category: "completion",
		PromptTokens: 1000, CompletionTokens: 500, CostUSD: 0.45,
	}))
	require.NoError(t, l.Track(ctx, Entry{
		TenantID: "t1", Model: "gpt-4o", Category: "completion",
		PromptTokens: 2000, CompletionTokens: 800, CostUSD: 13.00,
	}))

	b, err := l.Check(ctx, "t1")
	require.NoError(t, err)
	assert.InDelta(t, 13.45, b.SpentUSD, 1e-9)
	assert.InDelta(t, 86.55, b.RemainingUSD, 1e-9)
	assert.InDelta(t, WarningThreshold, b.AlertFraction, 1e-9)
	assert.False(t, b.Warning)
	assert.False(t, b.Exceeded)
	assert.Equal(t, "2026-08", b.Month)

	// Crossing the warning fraction flips the flag without exceeding.
	require.NoError(t, l.Track(ctx, Entry{
		TenantID: "t1", Model: "gpt-4o", Category: "completion", CostUSD: 70.00,
	}))
	b, err = l.Check(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, b.Warning)
	assert.False(t, b.Exceeded)
}

func TestAuthorizeRejectsExceededTenant(t *testing.T) {
	l, _ := newTestLedger(t, Options{DefaultMonthlyLimitUSD: 10, Now: fixedNow})
	ctx := context.Background()

	require.NoError(t, l.Track(ctx, Entry{TenantID: "t1", Model: "gpt-4o", Category: "completion", CostUSD: 10.00}))

	err := l.Authorize(ctx, "t1")
	var bex *BudgetExceededError
	require.ErrorAs(t, err, &bex)
	assert.Equal(t, "t1", bex.TenantID)
	assert.InDelta(t, 10.00, bex.SpentUSD, 1e-9)

	// Other tenants are unaffected.
	assert.NoError(t, l.Authorize(ctx, "t2"))
}

func TestAuthorizeFailsOpenWhenRedisDown(t *testing.T) {
	l, mr := newTestLedger(t, Options{DefaultMonthlyLimitUSD: 10, Now: fixedNow})
	mr.Close()
	assert.NoError(t, l.Authorize(context.Background(), "t1"))
}

func TestAlertsFireOncePerMonth(t *testing.T) {
	var (
		mu    sync.Mutex
		fired []string
	)
	l, _ := newTestLedger(t, Options{
		DefaultMonthlyLimitUSD: 100,
		Now:                    fixedNow,
		OnAlert: func(tenant, month, kind string, spent, limit float64) {
			mu.Lock()
			fired = append(fired, kind)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	// Below warning threshold, nothing fires.
	require.NoError(t, l.Track(ctx, Entry{TenantID: "t1", Model: "m", Category: "completion", CostUSD: 50}))
	assert.Empty(t, fired)

	// Crossing 80% fires the warning exactly once.
	require.NoError(t, l.Track(ctx, Entry{TenantID: "t1", Model: "m", Category: "completion", CostUSD: 35}))
	require.NoError(t, l.Track(ctx, Entry{TenantID: "t1", Model: "m", Category: "completion", CostUSD: 5}))
	assert.Equal(t, []string{AlertWarning}, fired)

	// Crossing 100% fires exceeded once; warning is not repeated.
	require.NoError(t, l.Track(ctx, Entry{TenantID: "t1", Model: "m", Category: "completion", CostUSD: 20}))
	require.NoError(t, l.Track(ctx, Entry{TenantID: "t1", Model: "m", Category: "completion", CostUSD: 1}))
	assert.Equal(t, []string{AlertWarning, AlertExceeded}, fired)
}

func TestSetLimitOverride(t *testing.T) {
	l, _ := newTestLedger(t, Options{DefaultMonthlyLimitUSD: 100, Now: fixedNow})
	ctx := context.Background()

	require.NoError(t, l.SetLimit(ctx, "t1", 500))
	b, err := l.Check(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 500.0, b.LimitUSD)

	// Removing the override restores the default.
	require.NoError(t, l.SetLimit(ctx, "t1", 0))
	b, err = l.Check(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, b.LimitUSD)
}

func TestMonthBreakdownByModel(t *testing.T) {
	l, _ := newTestLedger(t, Options{DefaultMonthlyLimitUSD: 100, Now: fixedNow})
	ctx := context.Background()

	require.NoError(t, l.Track(ctx, Entry{TenantID: "t1", Model: "gpt-4o-mini", Category: "completion", CostUSD: 0.10}))
	require.NoError(t, l.Track(ctx, Entry{TenantID: "t1", Model: "gpt-4o-mini", Category: "agent_task", CostUSD: 0.20}))
	require.NoError(t, l.Track(ctx, Entry{TenantID: "t1", Model: "gpt-4o", Category: "completion", CostUSD: 1.00}))

	b, err := l.MonthBreakdown(ctx, "t1", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 3, b.Entries)
	assert.InDelta(t, 1.30, b.TotalUSD, 1e-9)
	assert.InDelta(t, 0.30, b.ByModel["gpt-4o-mini"], 1e-9)
	assert.InDelta(t, 1.00, b.ByModel["gpt-4o"], 1e-9)
}

func TestHistorySpansMonths(t *testing.T) {
	l, _ := newTestLedger(t, Options{DefaultMonthlyLimitUSD: 100, Now: fixedNow})
	ctx := context.Background()

	july := time.Date(2026, 7, 20, 10, 0, 0, 0, time.UTC)
	aug := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, l.Track(ctx, Entry{TenantID: "t1", Model: "m", Category: "completion", CostUSD: 1, At: july}))
	require.NoError(t, l.Track(ctx, Entry{TenantID: "t1", Model: "m", Category: "completion", CostUSD: 2, At: aug}))

	entries, err := l.History(ctx, "t1",
		time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].At.Before(entries[1].At))

	// Window excludes out-of-range entries.
	entries, err = l.History(ctx, "t1",
		time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.InDelta(t, 2.0, entries[0].CostUSD, 1e-9)
}

func TestRetentionAppliedToLedgerKeys(t *testing.T) {
	l, mr := newTestLedger(t, Options{DefaultMonthlyLimitUSD: 100, Now: fixedNow})
	ctx := context.Background()

	require.NoError(t, l.Track(ctx, Entry{TenantID: "t1", Model: "m", Category: "completion", CostUSD: 1}))
	assert.Greater(t, mr.TTL("ledger:t1:2026-08:entries"), time.Duration(0))
	assert.Greater(t, mr.TTL("ledger:t1:2026-08:sum"), time.Duration(0))
}
