// Package ledger tracks per-tenant AI spend in Redis and enforces monthly
// budgets. Spend accumulates under month-scoped keys so history survives
// across billing periods without manual rotation.
//
// Key layout per tenant and month:
//
//	ledger:{tenant}:{YYYY-MM}:entries  zset, member = entry JSON, score = unix ms
//	ledger:{tenant}:{YYYY-MM}:sum      float string, INCRBYFLOAT accumulator
//	ledger:{tenant}:{YYYY-MM}:alerts   hash, alert kind -> emitted-at RFC3339
//	ledger:limits                      hash, tenant -> monthly USD override
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/metrics"
)

// Retention keeps 13 months of ledger keys so year-over-year comparison
// always has data.
const Retention = 13 * 31 * 24 * time.Hour

// Alert thresholds as fractions of the monthly limit.
const (
	WarningThreshold = 0.80
	AlertWarning     = "warning"
	AlertExceeded    = "exceeded"
)

const limitsKey = "ledger:limits"

// Entry is one recorded spend event.
type Entry struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Model            string    `json:"model"`
	Category         string    `json:"category"` // completion, agent_task, workflow
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	At               time.Time `json:"at"`
}

// Budget is a tenant's standing for one month. AlertFraction is the limit
// fraction at which the warning alert fires.
type Budget struct {
	TenantID      string  `json:"tenant_id"`
	Month         string  `json:"month"`
	LimitUSD      float64 `json:"limit_usd"`
	SpentUSD      float64 `json:"spent_usd"`
	RemainingUSD  float64 `json:"remaining_usd"`
	AlertFraction float64 `json:"alert_fraction"`
	Warning       bool    `json:"warning"`
	Exceeded      bool    `json:"exceeded"`
}

// Breakdown aggregates a month's spend per model.
type Breakdown struct {
	TenantID string             `json:"tenant_id"`
	Month    string             `json:"month"`
	TotalUSD float64            `json:"total_usd"`
	Entries  int                `json:"entries"`
	ByModel  map[string]float64 `json:"by_model"`
}

// BudgetExceededError rejects work before any upstream call is made.
type BudgetExceededError struct {
	TenantID string
	LimitUSD float64
	SpentUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for tenant %s: spent $%.4f of $%.2f limit",
		e.TenantID, e.SpentUSD, e.LimitUSD)
}

// AlertFunc receives budget alerts. Called at most once per tenant, month
// and kind.
type AlertFunc func(tenantID, month, kind string, spent, limit float64)

// Ledger is the Redis-backed spend tracker.
type Ledger struct {
	client       redis.Cmdable
	logger       *zap.Logger
	defaultLimit float64
	alertFn      AlertFunc
	now          func() time.Time
}

// Options configures a Ledger.
type Options struct {
	DefaultMonthlyLimitUSD float64
	OnAlert                AlertFunc
	Now                    func() time.Time // test hook
}

// New builds a ledger over a Redis client.
func New(client redis.Cmdable, opts Options, logger *zap.Logger) *Ledger {
	if opts.DefaultMonthlyLimitUSD <= 0 {
		opts.DefaultMonthlyLimitUSD = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		client:       client,
		logger:       logger,
		defaultLimit: opts.DefaultMonthlyLimitUSD,
		alertFn:      opts.OnAlert,
		now:          opts.Now,
	}
}

// MonthOf formats a time as the ledger month key component.
func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func entriesKey(tenant, month string) string {
	return fmt.Sprintf("ledger:%s:%s:entries", tenant, month)
}

func sumKey(tenant, month string) string {
	return fmt.Sprintf("ledger:%s:%s:sum", tenant, month)
}

func alertsKey(tenant, month string) string {
	return fmt.Sprintf("ledger:%s:%s:alerts", tenant, month)
}

// Track records a spend entry and fires threshold alerts. Errors are
// returned so callers on the best-effort path can decide to log-and-drop.
func (l *Ledger) Track(ctx context.Context, e Entry) error {
	if e.TenantID == "" {
		return fmt.Errorf("ledger: tenant id is required")
	}
	if e.CostUSD < 0 {
		return fmt.Errorf("ledger: negative cost")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = l.now()
	}
	month := MonthOf(e.At)

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ledger: marshal entry: %w", err)
	}

	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, entriesKey(e.TenantID, month), redis.Z{
		Score:  float64(e.At.UnixMilli()),
		Member: payload,
	})
	sum := pipe.IncrByFloat(ctx, sumKey(e.TenantID, month), e.CostUSD)
	pipe.Expire(ctx, entriesKey(e.TenantID, month), Retention)
	pipe.Expire(ctx, sumKey(e.TenantID, month), Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.LedgerErrors.Inc()
		return fmt.Errorf("ledger: track: %w", err)
	}
	metrics.LedgerEntries.WithLabelValues(e.Category).Inc()

	limit, err := l.limitFor(ctx, e.TenantID)
	if err != nil {
		l.logger.Warn("Ledger limit lookup failed, skipping alert check",
			zap.String("tenant_id", e.TenantID), zap.Error(err))
		return nil
	}
	l.checkAlerts(ctx, e.TenantID, month, sum.Val(), limit)
	return nil
}

// checkAlerts emits warning/exceeded alerts once per tenant-month. HSetNX
// makes the emission idempotent across concurrent writers.
func (l *Ledger) checkAlerts(ctx context.Context, tenant, month string, spent, limit float64) {
	if limit <= 0 {
		return
	}
	fire := func(kind string) {
		set, err := l.client.HSetNX(ctx, alertsKey(tenant, month), kind, l.now().Format(time.RFC3339)).Result()
		if err != nil {
			l.logger.Warn("Ledger alert marker failed",
				zap.String("tenant_id", tenant), zap.String("kind", kind), zap.Error(err))
			return
		}
		if !set {
			return
		}
		l.client.Expire(ctx, alertsKey(tenant, month), Retention)
		metrics.BudgetAlerts.WithLabelValues(kind).Inc()
		l.logger.Warn("Budget alert",
			zap.String("tenant_id", tenant),
			zap.String("month", month),
			zap.String("kind", kind),
			zap.Float64("spent_usd", spent),
			zap.Float64("limit_usd", limit),
		)
		if l.alertFn != nil {
			l.alertFn(tenant, month, kind, spent, limit)
		}
	}
	if spent >= limit {
		fire(AlertExceeded)
	}
	if spent >= limit*WarningThreshold {
		fire(AlertWarning)
	}
}

// Check returns the tenant's current-month budget standing. The budget gate
// compares spend strictly against the limit: a tenant at exactly the limit
// is exceeded.
func (l *Ledger) Check(ctx context.Context, tenant string) (Budget, error) {
	month := MonthOf(l.now())
	spent, err := l.spent(ctx, tenant, month)
	if err != nil {
		return Budget{}, err
	}
	limit, err := l.limitFor(ctx, tenant)
	if err != nil {
		return Budget{}, err
	}
	remaining := limit - spent
	if remaining < 0 {
		remaining = 0
	}
	return Budget{
		TenantID:      tenant,
		Month:         month,
		LimitUSD:      limit,
		SpentUSD:      spent,
		RemainingUSD:  remaining,
		AlertFraction: WarningThreshold,
		Warning:       spent >= limit*WarningThreshold,
		Exceeded:      spent >= limit,
	}, nil
}

// Authorize is the pre-flight budget gate. It returns a typed
// BudgetExceededError when the tenant has no remaining budget.
func (l *Ledger) Authorize(ctx context.Context, tenant string) error {
	b, err := l.Check(ctx, tenant)
	if err != nil {
		// Fail open: if Redis is unreachable the gate admits the request
		// rather than blocking all traffic on the ledger.
		l.logger.Warn("Budget check unavailable, admitting request",
			zap.String("tenant_id", tenant), zap.Error(err))
		return nil
	}
	if b.Exceeded {
		metrics.BudgetThrottled.Inc()
		return &BudgetExceededError{TenantID: tenant, LimitUSD: b.LimitUSD, SpentUSD: b.SpentUSD}
	}
	return nil
}

func (l *Ledger) spent(ctx context.Context, tenant, month string) (float64, error) {
	raw, err := l.client.Get(ctx, sumKey(tenant, month)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: read sum: %w", err)
	}
	spent, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: corrupt sum for %s/%s: %w", tenant, month, err)
	}
	return spent, nil
}

func (l *Ledger) limitFor(ctx context.Context, tenant string) (float64, error) {
	raw, err := l.client.HGet(ctx, limitsKey, tenant).Result()
	if err == redis.Nil {
		return l.defaultLimit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: read limit: %w", err)
	}
	limit, err := strconv.ParseFloat(raw, 64)
	if err != nil || limit <= 0 {
		return l.defaultLimit, nil
	}
	return limit, nil
}

// SetLimit stores a per-tenant monthly limit override. A non-positive
// limit removes the override.
func (l *Ledger) SetLimit(ctx context.Context, tenant string, limitUSD float64) error {
	if limitUSD <= 0 {
		return l.client.HDel(ctx, limitsKey, tenant).Err()
	}
	return l.client.HSet(ctx, limitsKey, tenant, strconv.FormatFloat(limitUSD, 'f', -1, 64)).Err()
}

// MonthBreakdown aggregates a month's entries by model.
func (l *Ledger) MonthBreakdown(ctx context.Context, tenant, month string) (Breakdown, error) {
	members, err := l.client.ZRange(ctx, entriesKey(tenant, month), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return Breakdown{}, fmt.Errorf("ledger: read entries: %w", err)
	}
	b := Breakdown{
		TenantID: tenant,
		Month:    month,
		ByModel:  make(map[string]float64),
	}
	for _, m := range members {
		var e Entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			l.logger.Warn("Ledger entry corrupt, skipping",
				zap.String("tenant_id", tenant), zap.String("month", month))
			continue
		}
		b.Entries++
		b.TotalUSD += e.CostUSD
		b.ByModel[e.Model] += e.CostUSD
	}
	return b, nil
}

// History returns entries in a time window, oldest first.
func (l *Ledger) History(ctx context.Context, tenant string, from, to time.Time) ([]Entry, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("ledger: history window inverted")
	}
	var out []Entry
	for _, month := range monthsBetween(from, to) {
		members, err := l.client.ZRangeByScore(ctx, entriesKey(tenant, month), &redis.ZRangeBy{
			Min: strconv.FormatInt(from.UnixMilli(), 10),
			Max: strconv.FormatInt(to.UnixMilli(), 10),
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("ledger: read history: %w", err)
		}
		for _, m := range members {
			var e Entry
			if err := json.Unmarshal([]byte(m), &e); err != nil {
				continue
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func monthsBetween(from, to time.Time) []string {
	var months []string
	cur := time.Date(from.UTC().Year(), from.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(to.UTC().Year(), to.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(end) {
		months = append(months, cur.Format("2006-01"))
		cur = cur.AddDate(0, 1, 0)
	}
	return months
}
