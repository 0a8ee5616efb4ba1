package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimalSlotsEmptyHistoryFallsBack(t *testing.T) {
	slots := OptimalSlots(nil)
	require.Len(t, slots, 8)
	assert.Equal(t, time.Tuesday, slots[0].Weekday)
	assert.Equal(t, 10, slots[0].Hour)
	// Mon/Fri 10:00 close the default sequence.
	assert.Equal(t, time.Monday, slots[6].Weekday)
	assert.Equal(t, time.Friday, slots[7].Weekday)
}

func TestOptimalSlotsScoreByEngagement(t *testing.T) {
	// Tuesday 10:00 outperforms Friday 16:00.
	tue := time.Date(2026, 8, 11, 10, 0, 0, 0, time.UTC)
	fri := time.Date(2026, 8, 14, 16, 0, 0, 0, time.UTC)
	samples := []PublishSample{
		{At: tue, Engagement: 100},
		{At: tue.AddDate(0, 0, 7), Engagement: 80},
		{At: fri, Engagement: 30},
	}

	slots := OptimalSlots(samples)
	require.Len(t, slots, 2)
	assert.Equal(t, time.Tuesday, slots[0].Weekday)
	assert.Equal(t, 10, slots[0].Hour)
	assert.InDelta(t, 100.0, slots[0].Score, 1e-9, "best bucket normalizes to 100")
	assert.InDelta(t, 100.0*30/90, slots[1].Score, 1e-9)
}

func TestOptimalSlotsFallbackToPostCount(t *testing.T) {
	tue := time.Date(2026, 8, 11, 10, 0, 0, 0, time.UTC)
	var samples []PublishSample
	for i := 0; i < 3; i++ {
		samples = append(samples, PublishSample{At: tue.AddDate(0, 0, 7*i)})
	}
	samples = append(samples, PublishSample{At: tue.Add(4 * time.Hour)})

	slots := OptimalSlots(samples)
	require.Len(t, slots, 2)
	assert.InDelta(t, 3.0, slots[0].Score, 1e-9, "no engagement data scores by count")
	assert.InDelta(t, 1.0, slots[1].Score, 1e-9)
}

func TestNextSlotTimeAdvancesWithinWeek(t *testing.T) {
	// Saturday afternoon.
	from := time.Date(2026, 8, 15, 15, 0, 0, 0, time.UTC)

	next := NextSlotTime(time.Tuesday, 10, from)
	assert.Equal(t, time.Date(2026, 8, 18, 10, 0, 0, 0, time.UTC), next)

	// Same weekday, earlier hour: advances a full week.
	next = NextSlotTime(time.Saturday, 10, from)
	assert.Equal(t, time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC), next)

	// Same weekday, later hour: lands today.
	next = NextSlotTime(time.Saturday, 20, from)
	assert.Equal(t, time.Date(2026, 8, 15, 20, 0, 0, 0, time.UTC), next)
}

func TestNextOptimalTimeHonorsLeadTime(t *testing.T) {
	slots := []Slot{{Weekday: time.Saturday, Hour: 16, Score: 100}}

	// 15:30 Saturday: the 16:00 slot is only 30 minutes out, so it rolls a
	// week forward.
	from := time.Date(2026, 8, 15, 15, 30, 0, 0, time.UTC)
	next := NextOptimalTime(slots, from)
	assert.Equal(t, time.Date(2026, 8, 22, 16, 0, 0, 0, time.UTC), next)

	// 14:00 Saturday: 16:00 is two hours out and qualifies.
	from = time.Date(2026, 8, 15, 14, 0, 0, 0, time.UTC)
	next = NextOptimalTime(slots, from)
	assert.Equal(t, time.Date(2026, 8, 15, 16, 0, 0, 0, time.UTC), next)
}
