package history

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Insights are derived entirely from recorded feedback; nothing here is
// hand-authored.
type Insights struct {
	TenantID         string                     `json:"tenant_id"`
	AgentType        string                     `json:"agent_type"`
	SampleSize       int                        `json:"sample_size"`
	BestPractices    []string                   `json:"best_practices"`
	CommonMistakes   []string                   `json:"common_mistakes"`
	OptimalSettings  map[string]float64         `json:"optimal_settings"`
	ContentPatterns  map[string]PatternStats    `json:"content_patterns"`
	PlatformLearning map[string]PlatformInsight `json:"platform_learning"`
}

// PatternStats summarizes runs that share a content label.
type PatternStats struct {
	Count          int     `json:"count"`
	MeanRating     float64 `json:"mean_rating"`
	MeanEngagement float64 `json:"mean_engagement"`
}

// PlatformInsight is the per-platform stratification of pattern stats.
type PlatformInsight struct {
	Count          int     `json:"count"`
	MeanRating     float64 `json:"mean_rating"`
	MeanEngagement float64 `json:"mean_engagement"`
}

const (
	positiveRating = 4
	negativeRating = 2
	topPhrases     = 5
)

var storytellingKeywords = []string{"story", "journey", "imagine", "once", "remember"}

// ComputeInsights derives learning insights for records of one agent type.
// The computation is a single pass per axis, linear in history size.
func ComputeInsights(tenantID, agentType string, records []Record) Insights {
	ins := Insights{
		TenantID:         tenantID,
		AgentType:        agentType,
		OptimalSettings:  make(map[string]float64),
		ContentPatterns:  make(map[string]PatternStats),
		PlatformLearning: make(map[string]PlatformInsight),
	}

	var (
		positiveTexts []string
		negativeTexts []string
		numericAxes   = make(map[string][]float64)
		patternAgg    = make(map[string]*ratingAgg)
		platformAgg   = make(map[string]*ratingAgg)
	)

	for _, rec := range records {
		if rec.Type != agentType {
			continue
		}
		ins.SampleSize++

		rating, engagement, rated := feedbackSummary(rec.Feedback)
		for _, fb := range rec.Feedback {
			text := strings.TrimSpace(fb.Comments + " " + fb.Modifications)
			if text == "" {
				continue
			}
			if fb.Rating >= positiveRating {
				positiveTexts = append(positiveTexts, text)
			}
			if fb.Rating <= negativeRating {
				negativeTexts = append(negativeTexts, text)
			}
		}

		if rated && rating >= positiveRating {
			for axis, v := range numericParams(rec.Input) {
				numericAxes[axis] = append(numericAxes[axis], v)
			}
		}

		if rated {
			for _, label := range contentLabels(rec.Output) {
				agg := patternAgg[label]
				if agg == nil {
					agg = &ratingAgg{}
					patternAgg[label] = agg
				}
				agg.add(rating, engagement)
			}
			if platform := platformOf(rec.Input); platform != "" {
				agg := platformAgg[platform]
				if agg == nil {
					agg = &ratingAgg{}
					platformAgg[platform] = agg
				}
				agg.add(rating, engagement)
			}
		}
	}

	ins.BestPractices = topTerms(positiveTexts, topPhrases)
	ins.CommonMistakes = topTerms(negativeTexts, topPhrases)
	for axis, values := range numericAxes {
		ins.OptimalSettings[axis] = median(values)
	}
	for label, agg := range patternAgg {
		ins.ContentPatterns[label] = PatternStats{
			Count:          agg.count,
			MeanRating:     agg.meanRating(),
			MeanEngagement: agg.meanEngagement(),
		}
	}
	for platform, agg := range platformAgg {
		ins.PlatformLearning[platform] = PlatformInsight{
			Count:          agg.count,
			MeanRating:     agg.meanRating(),
			MeanEngagement: agg.meanEngagement(),
		}
	}
	return ins
}

type ratingAgg struct {
	count         int
	ratingSum     float64
	engagementSum float64
}

func (a *ratingAgg) add(rating, engagement float64) {
	a.count++
	a.ratingSum += rating
	a.engagementSum += engagement
}

func (a *ratingAgg) meanRating() float64 {
	if a.count == 0 {
		return 0
	}
	return a.ratingSum / float64(a.count)
}

func (a *ratingAgg) meanEngagement() float64 {
	if a.count == 0 {
		return 0
	}
	return a.engagementSum / float64(a.count)
}

// feedbackSummary averages ratings and engagement across a record's feedback.
func feedbackSummary(fbs []Feedback) (rating, engagement float64, rated bool) {
	if len(fbs) == 0 {
		return 0, 0, false
	}
	var engCount int
	for _, fb := range fbs {
		rating += float64(fb.Rating)
		if v, ok := fb.PerfMetrics["engagement"]; ok {
			engagement += v
			engCount++
		}
	}
	rating /= float64(len(fbs))
	if engCount > 0 {
		engagement /= float64(engCount)
	}
	return rating, engagement, true
}

// numericParams extracts top-level numeric fields from a task input object.
func numericParams(input json.RawMessage) map[string]float64 {
	var obj map[string]interface{}
	if err := json.Unmarshal(input, &obj); err != nil {
		return nil
	}
	out := make(map[string]float64)
	for k, v := range obj {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}

// platformOf reads the platform field from a task input object.
func platformOf(input json.RawMessage) string {
	var obj struct {
		Platform string `json:"platform"`
	}
	if err := json.Unmarshal(input, &obj); err != nil {
		return ""
	}
	return obj.Platform
}

// contentLabels classifies an output by simple heuristics.
func contentLabels(output string) []string {
	var labels []string
	if strings.Contains(output, "?") {
		labels = append(labels, "question")
	}
	switch n := len(output); {
	case n < 100:
		labels = append(labels, "short")
	case n < 500:
		labels = append(labels, "medium")
	default:
		labels = append(labels, "long")
	}
	lower := strings.ToLower(output)
	for _, kw := range storytellingKeywords {
		if strings.Contains(lower, kw) {
			labels = append(labels, "storytelling")
			break
		}
	}
	return labels
}

// topTerms mines the most frequent tokens and bigrams from a set of texts.
func topTerms(texts []string, limit int) []string {
	counts := make(map[string]int)
	for _, text := range texts {
		tokens := tokenize(text)
		for _, tok := range tokens {
			counts[tok]++
		}
		for i := 0; i+1 < len(tokens); i++ {
			counts[tokens[i]+" "+tokens[i+1]]++
		}
	}
	type term struct {
		text  string
		count int
	}
	terms := make([]term, 0, len(counts))
	for text, count := range counts {
		if count < 2 {
			continue
		}
		terms = append(terms, term{text, count})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].count != terms[j].count {
			return terms[i].count > terms[j].count
		}
		return terms[i].text < terms[j].text
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.text
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "is": true, "it": true, "was": true, "for": true,
	"this": true, "that": true, "be": true, "on": true, "too": true,
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// DayStats is one day in a performance trend series.
type DayStats struct {
	Date            string  `json:"date"`
	Tasks           int     `json:"tasks"`
	MeanRating      float64 `json:"mean_rating"`
	MeanExecutionMS float64 `json:"mean_execution_ms"`
	SuccessRate     float64 `json:"success_rate"`
}

// Trend labels.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// Trends is a daily performance series plus an overall direction label.
type Trends struct {
	AgentType string     `json:"agent_type"`
	Days      []DayStats `json:"days"`
	Trend     string     `json:"trend"`
}

// ComputeTrends buckets records by calendar day over [end-days, end] and
// labels the direction by comparing mean ratings of the first and last third.
func ComputeTrends(agentType string, records []Record, end time.Time, days int) Trends {
	if days <= 0 {
		days = 30
	}
	start := end.AddDate(0, 0, -days)

	type dayAgg struct {
		tasks     int
		ratingSum float64
		rated     int
		execSum   float64
		completed int
	}
	buckets := make(map[string]*dayAgg)
	for _, rec := range records {
		if rec.Type != agentType || rec.CreatedAt.Before(start) || rec.CreatedAt.After(end) {
			continue
		}
		day := rec.CreatedAt.UTC().Format("2006-01-02")
		agg := buckets[day]
		if agg == nil {
			agg = &dayAgg{}
			buckets[day] = agg
		}
		agg.tasks++
		agg.execSum += float64(rec.ExecutionMS)
		if rec.Status == StatusCompleted {
			agg.completed++
		}
		if rating, _, ok := feedbackSummary(rec.Feedback); ok {
			agg.ratingSum += rating
			agg.rated++
		}
	}

	dates := make([]string, 0, len(buckets))
	for d := range buckets {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	t := Trends{AgentType: agentType}
	for _, d := range dates {
		agg := buckets[d]
		stats := DayStats{
			Date:            d,
			Tasks:           agg.tasks,
			MeanExecutionMS: agg.execSum / float64(agg.tasks),
			SuccessRate:     float64(agg.completed) / float64(agg.tasks),
		}
		if agg.rated > 0 {
			stats.MeanRating = agg.ratingSum / float64(agg.rated)
		}
		t.Days = append(t.Days, stats)
	}
	t.Trend = trendLabel(t.Days)
	return t
}

// trendLabel compares the first and last third of the daily series.
func trendLabel(days []DayStats) string {
	third := len(days) / 3
	if third == 0 {
		return TrendStable
	}
	first := meanRating(days[:third])
	last := meanRating(days[len(days)-third:])
	if first == 0 {
		return TrendStable
	}
	delta := (last - first) / first
	switch {
	case delta > 0.05:
		return TrendImproving
	case delta < -0.05:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func meanRating(days []DayStats) float64 {
	if len(days) == 0 {
		return 0
	}
	var sum float64
	for _, d := range days {
		sum += d.MeanRating
	}
	return sum / float64(len(days))
}
