// Package monitor aggregates ledger and task history into operational
// views: per-agent metrics, a live dashboard, health, cost analysis with
// month projection, alerts and a combined report. Every status and severity
// is a deterministic function of the aggregated inputs.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/history"
	"github.com/postpilot/coordinator/internal/ledger"
)

// Agent statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Deterministic thresholds.
const (
	degradedErrorRate  = 0.05
	criticalErrorRate  = 0.25
	degradedResponseMS = 5000
	recentWindow       = time.Hour
	budgetWarnFraction = 0.80
)

// AgentMetrics summarizes one agent type over a window.
type AgentMetrics struct {
	AgentType     string  `json:"agent_type"`
	Tasks         int     `json:"tasks"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgResponseMS float64 `json:"avg_response_ms"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	MeanRating    float64 `json:"mean_rating"`
}

// AgentStatus is one dashboard row.
type AgentStatus struct {
	AgentType     string  `json:"agent_type"`
	Status        string  `json:"status"`
	Load          int     `json:"load"`
	SuccessRate   float64 `json:"success_rate"`
	AvgResponseMS float64 `json:"avg_response_ms"`
	RecentErrors  int     `json:"recent_errors"`
}

// Dashboard is the real-time overview.
type Dashboard struct {
	Agents       []AgentStatus `json:"agents"`
	TotalTasks   int           `json:"total_tasks"`
	TotalErrors  int           `json:"total_errors"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	GeneratedAt  time.Time     `json:"generated_at"`
}

// Comparison is a head-to-head of two agent types.
type Comparison struct {
	A      AgentMetrics `json:"a"`
	B      AgentMetrics `json:"b"`
	Winner string       `json:"winner"`
}

// Health is the service-level view.
type Health struct {
	Status           string        `json:"status"`
	Uptime           time.Duration `json:"uptime"`
	ErrorRate        float64       `json:"error_rate"`
	AvgResponseMS    float64       `json:"avg_response_ms"`
	ThroughputPerMin float64       `json:"throughput_per_min"`
}

// CostAnalysis is a spend breakdown with a linear month projection.
type CostAnalysis struct {
	TenantID          string             `json:"tenant_id"`
	PeriodDays        int                `json:"period_days"`
	PeriodTotalUSD    float64            `json:"period_total_usd"`
	ProjectedMonthUSD float64            `json:"projected_month_usd"`
	ByModel           map[string]float64 `json:"by_model"`
	Recommendations   []string           `json:"recommendations"`
}

// Alert is one condition crossing a threshold.
type Alert struct {
	Severity string `json:"severity"`
	Source   string `json:"source"`
	Message  string `json:"message"`
}

// Report bundles everything for one tenant.
type Report struct {
	TenantID    string         `json:"tenant_id"`
	Dashboard   Dashboard      `json:"dashboard"`
	Health      Health         `json:"health"`
	Cost        CostAnalysis   `json:"cost"`
	Alerts      []Alert        `json:"alerts"`
	PerAgent    []AgentMetrics `json:"per_agent"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Monitor reads from the history store and the ledger.
type Monitor struct {
	store     history.Store
	ledger    *ledger.Ledger
	logger    *zap.Logger
	startedAt time.Time
	now       func() time.Time
}

// New builds a monitor. Uptime counts from construction.
func New(store history.Store, l *ledger.Ledger, logger *zap.Logger) *Monitor {
	return &Monitor{
		store:     store,
		ledger:    l,
		logger:    logger,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Metrics aggregates one agent type over [start, end].
func (m *Monitor) Metrics(ctx context.Context, tenantID, agentType string, start, end time.Time) (AgentMetrics, error) {
	records, err := m.store.List(ctx, tenantID, history.ListFilter{Type: agentType, Since: start})
	if err != nil {
		return AgentMetrics{}, err
	}
	return aggregate(agentType, records, end), nil
}

func aggregate(agentType string, records []history.Record, end time.Time) AgentMetrics {
	am := AgentMetrics{AgentType: agentType}
	var execSum float64
	var ratingSum float64
	var rated int
	for _, rec := range records {
		if !end.IsZero() && rec.CreatedAt.After(end) {
			continue
		}
		am.Tasks++
		am.TotalCostUSD += rec.CostUSD
		execSum += float64(rec.ExecutionMS)
		if rec.Status == history.StatusCompleted {
			am.Succeeded++
		} else if rec.Status == history.StatusFailed {
			am.Failed++
		}
		for _, fb := range rec.Feedback {
			ratingSum += float64(fb.Rating)
			rated++
		}
	}
	if am.Tasks > 0 {
		am.SuccessRate = float64(am.Succeeded) / float64(am.Tasks)
		am.AvgResponseMS = execSum / float64(am.Tasks)
	}
	if rated > 0 {
		am.MeanRating = ratingSum / float64(rated)
	}
	return am
}

// statusFor derives a deterministic per-agent status.
func statusFor(am AgentMetrics, recentErrors int) string {
	if am.Tasks == 0 {
		return StatusHealthy
	}
	errorRate := 1 - am.SuccessRate
	switch {
	case errorRate > criticalErrorRate:
		return StatusCritical
	case errorRate > degradedErrorRate, am.AvgResponseMS > degradedResponseMS, recentErrors > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Dashboard builds the per-agent live view for a tenant.
func (m *Monitor) Dashboard(ctx context.Context, tenantID string) (Dashboard, error) {
	records, err := m.store.List(ctx, tenantID, history.ListFilter{})
	if err != nil {
		return Dashboard{}, err
	}
	now := m.now()
	recentCutoff := now.Add(-recentWindow)

	byType := make(map[string][]history.Record)
	for _, rec := range records {
		byType[rec.Type] = append(byType[rec.Type], rec)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	d := Dashboard{GeneratedAt: now}
	for _, typ := range types {
		recs := byType[typ]
		am := aggregate(typ, recs, time.Time{})
		recentErrors := 0
		load := 0
		for _, rec := range recs {
			if rec.CreatedAt.After(recentCutoff) {
				load++
				if rec.Status == history.StatusFailed {
					recentErrors++
				}
			}
		}
		d.Agents = append(d.Agents, AgentStatus{
			AgentType:     typ,
			Status:        statusFor(am, recentErrors),
			Load:          load,
			SuccessRate:   am.SuccessRate,
			AvgResponseMS: am.AvgResponseMS,
			RecentErrors:  recentErrors,
		})
		d.TotalTasks += am.Tasks
		d.TotalErrors += am.Failed
		d.TotalCostUSD += am.TotalCostUSD
	}
	return d, nil
}

// Compare puts two agent types head to head. The winner has the higher
// success rate, then the lower average response.
func (m *Monitor) Compare(ctx context.Context, tenantID, a, b string, start, end time.Time) (Comparison, error) {
	ma, err := m.Metrics(ctx, tenantID, a, start, end)
	if err != nil {
		return Comparison{}, err
	}
	mb, err := m.Metrics(ctx, tenantID, b, start, end)
	if err != nil {
		return Comparison{}, err
	}
	c := Comparison{A: ma, B: mb}
	switch {
	case ma.SuccessRate > mb.SuccessRate:
		c.Winner = a
	case mb.SuccessRate > ma.SuccessRate:
		c.Winner = b
	case ma.AvgResponseMS < mb.AvgResponseMS:
		c.Winner = a
	default:
		c.Winner = b
	}
	return c, nil
}

// Health derives the service-level status from the last hour of activity.
func (m *Monitor) Health(ctx context.Context, tenantID string) (Health, error) {
	now := m.now()
	records, err := m.store.List(ctx, tenantID, history.ListFilter{Since: now.Add(-recentWindow)})
	if err != nil {
		return Health{}, err
	}
	h := Health{Status: StatusHealthy, Uptime: now.Sub(m.startedAt)}
	if len(records) == 0 {
		return h, nil
	}
	failed := 0
	var execSum float64
	for _, rec := range records {
		if rec.Status == history.StatusFailed {
			failed++
		}
		execSum += float64(rec.ExecutionMS)
	}
	h.ErrorRate = float64(failed) / float64(len(records))
	h.AvgResponseMS = execSum / float64(len(records))
	h.ThroughputPerMin = float64(len(records)) / recentWindow.Minutes()
	if h.ErrorRate > degradedErrorRate || h.AvgResponseMS > degradedResponseMS {
		h.Status = StatusDegraded
	}
	return h, nil
}

// CostAnalysis aggregates spend over the trailing periodDays and projects
// a 30-day month: projection = period_total * 30 / period_days.
func (m *Monitor) CostAnalysis(ctx context.Context, tenantID string, periodDays int) (CostAnalysis, error) {
	if periodDays <= 0 {
		periodDays = 7
	}
	now := m.now()
	entries, err := m.ledger.History(ctx, tenantID, now.AddDate(0, 0, -periodDays), now)
	if err != nil {
		return CostAnalysis{}, err
	}
	ca := CostAnalysis{
		TenantID:   tenantID,
		PeriodDays: periodDays,
		ByModel:    make(map[string]float64),
	}
	for _, e := range entries {
		ca.PeriodTotalUSD += e.CostUSD
		ca.ByModel[e.Model] += e.CostUSD
	}
	ca.ProjectedMonthUSD = ca.PeriodTotalUSD * 30 / float64(periodDays)

	budget, err := m.ledger.Check(ctx, tenantID)
	if err == nil {
		if ca.ProjectedMonthUSD > budget.LimitUSD {
			ca.Recommendations = append(ca.Recommendations,
				fmt.Sprintf("projected spend $%.2f exceeds the $%.2f monthly limit; shift traffic to the efficient tier", ca.ProjectedMonthUSD, budget.LimitUSD))
		}
		if dominant, share := dominantModel(ca.ByModel, ca.PeriodTotalUSD); share > 0.7 {
			ca.Recommendations = append(ca.Recommendations,
				fmt.Sprintf("model %s accounts for %.0f%% of spend; review whether cheaper models can serve part of that load", dominant, share*100))
		}
	}
	return ca, nil
}

func dominantModel(byModel map[string]float64, total float64) (string, float64) {
	if total <= 0 {
		return "", 0
	}
	var bestModel string
	var bestCost float64
	for model, cost := range byModel {
		if cost > bestCost || (cost == bestCost && model < bestModel) {
			bestModel, bestCost = model, cost
		}
	}
	return bestModel, bestCost / total
}

// Alerts derives current alerts from health and budget standing.
func (m *Monitor) Alerts(ctx context.Context, tenantID string) ([]Alert, error) {
	var alerts []Alert

	h, err := m.Health(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	switch {
	case h.ErrorRate > criticalErrorRate:
		alerts = append(alerts, Alert{Severity: SeverityCritical, Source: "health",
			Message: fmt.Sprintf("error rate %.0f%% over the last hour", h.ErrorRate*100)})
	case h.ErrorRate > degradedErrorRate:
		alerts = append(alerts, Alert{Severity: SeverityWarning, Source: "health",
			Message: fmt.Sprintf("error rate %.0f%% over the last hour", h.ErrorRate*100)})
	}
	if h.AvgResponseMS > degradedResponseMS {
		alerts = append(alerts, Alert{Severity: SeverityWarning, Source: "health",
			Message: fmt.Sprintf("average response %.0fms exceeds 5s", h.AvgResponseMS)})
	}

	budget, err := m.ledger.Check(ctx, tenantID)
	if err == nil {
		switch {
		case budget.Exceeded:
			alerts = append(alerts, Alert{Severity: SeverityCritical, Source: "budget",
				Message: fmt.Sprintf("monthly budget exhausted: $%.2f of $%.2f", budget.SpentUSD, budget.LimitUSD)})
		case budget.LimitUSD > 0 && budget.SpentUSD >= budget.LimitUSD*budgetWarnFraction:
			alerts = append(alerts, Alert{Severity: SeverityWarning, Source: "budget",
				Message: fmt.Sprintf("spend $%.2f is above 80%% of the $%.2f limit", budget.SpentUSD, budget.LimitUSD)})
		case budget.SpentUSD > 0:
			alerts = append(alerts, Alert{Severity: SeverityInfo, Source: "budget",
				Message: fmt.Sprintf("spend $%.2f of $%.2f this month", budget.SpentUSD, budget.LimitUSD)})
		}
	}
	return alerts, nil
}

// Report assembles the full view for a tenant.
func (m *Monitor) Report(ctx context.Context, tenantID string, periodDays int) (Report, error) {
	dashboard, err := m.Dashboard(ctx, tenantID)
	if err != nil {
		return Report{}, err
	}
	health, err := m.Health(ctx, tenantID)
	if err != nil {
		return Report{}, err
	}
	cost, err := m.CostAnalysis(ctx, tenantID, periodDays)
	if err != nil {
		return Report{}, err
	}
	alerts, err := m.Alerts(ctx, tenantID)
	if err != nil {
		return Report{}, err
	}
	report := Report{
		TenantID:    tenantID,
		Dashboard:   dashboard,
		Health:      health,
		Cost:        cost,
		Alerts:      alerts,
		GeneratedAt: m.now(),
	}
	for _, agent := range dashboard.Agents {
		am, err := m.Metrics(ctx, tenantID, agent.AgentType, time.Time{}, report.GeneratedAt)
		if err != nil {
			return Report{}, err
		}
		report.PerAgent = append(report.PerAgent, am)
	}
	return report, nil
}
