package scheduler

import (
	"sort"
	"time"
)

// Slot is a (weekday, hour) bucket with its score.
type Slot struct {
	Weekday time.Weekday `json:"weekday"`
	Hour    int          `json:"hour"`
	Score   float64      `json:"score"`
}

// PublishSample is one historical publish with its observed engagement.
type PublishSample struct {
	At         time.Time `json:"at"`
	Engagement float64   `json:"engagement"`
}

// topSlots caps the ranking output.
const topSlots = 20

// defaultSlots is the fixed fallback sequence when a tenant has no
// publishing history: Tue/Wed/Thu at 10:00 and 14:00, Mon/Fri at 10:00.
func defaultSlots() []Slot {
	return []Slot{
		{Weekday: time.Tuesday, Hour: 10, Score: 100},
		{Weekday: time.Wednesday, Hour: 10, Score: 100},
		{Weekday: time.Thursday, Hour: 10, Score: 100},
		{Weekday: time.Tuesday, Hour: 14, Score: 100},
		{Weekday: time.Wednesday, Hour: 14, Score: 100},
		{Weekday: time.Thursday, Hour: 14, Score: 100},
		{Weekday: time.Monday, Hour: 10, Score: 100},
		{Weekday: time.Friday, Hour: 10, Score: 100},
	}
}

// OptimalSlots ranks (weekday, hour) buckets over the samples. Buckets are
// scored 100*avg_engagement/max_avg_engagement; with no engagement data the
// score falls back to post count saturated at 100. Empty history yields the
// fixed default sequence.
func OptimalSlots(samples []PublishSample) []Slot {
	if len(samples) == 0 {
		return defaultSlots()
	}

	type agg struct {
		count         int
		engagementSum float64
	}
	buckets := make(map[[2]int]*agg)
	for _, s := range samples {
		key := [2]int{int(s.At.Weekday()), s.At.Hour()}
		a := buckets[key]
		if a == nil {
			a = &agg{}
			buckets[key] = a
		}
		a.count++
		a.engagementSum += s.Engagement
	}

	var maxAvg float64
	for _, a := range buckets {
		if avg := a.engagementSum / float64(a.count); avg > maxAvg {
			maxAvg = avg
		}
	}

	slots := make([]Slot, 0, len(buckets))
	for key, a := range buckets {
		slot := Slot{Weekday: time.Weekday(key[0]), Hour: key[1]}
		if maxAvg > 0 {
			slot.Score = 100 * (a.engagementSum / float64(a.count)) / maxAvg
		} else {
			slot.Score = float64(a.count)
			if slot.Score > 100 {
				slot.Score = 100
			}
		}
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Score != slots[j].Score {
			return slots[i].Score > slots[j].Score
		}
		if slots[i].Weekday != slots[j].Weekday {
			return slots[i].Weekday < slots[j].Weekday
		}
		return slots[i].Hour < slots[j].Hour
	})
	if len(slots) > topSlots {
		slots = slots[:topSlots]
	}
	return slots
}

// NextOptimalTime returns the earliest occurrence of any ranked slot at
// least one hour after from.
func NextOptimalTime(slots []Slot, from time.Time) time.Time {
	earliest := from.Add(time.Hour)
	var best time.Time
	for _, slot := range slots {
		candidate := NextSlotTime(slot.Weekday, slot.Hour, from)
		if candidate.Before(earliest) {
			candidate = candidate.AddDate(0, 0, 7)
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	if best.IsZero() {
		return earliest
	}
	return best
}

// NextSlotTime advances 0..7 days to the next occurrence of (weekday, hour)
// strictly after from.
func NextSlotTime(weekday time.Weekday, hour int, from time.Time) time.Time {
	candidate := time.Date(from.Year(), from.Month(), from.Day(), hour, 0, 0, 0, from.Location())
	days := (int(weekday) - int(from.Weekday()) + 7) % 7
	candidate = candidate.AddDate(0, 0, days)
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}
