package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"circuit_go/internal/domain"
	"circuit_go/internal/infra"
)

// SessionConfig describes the trading session in market local time.
type SessionConfig struct {
	Location       *time.Location
	Open           time.Duration // offset from local midnight
	Close          time.Duration
	ReferenceIndex string
	Calendar       domain.Calendar // nil means weekdays only
}

func (c SessionConfig) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func (c SessionConfig) calendar() domain.Calendar {
	if c.Calendar == nil {
		return domain.WeekdayCalendar{}
	}
	return c.Calendar
}

// BusinessDateResolver maps a wall-clock instant to a trading date through
// four fallback tiers. Resolve never fails; the tier says how much to trust it.
type BusinessDateResolver struct {
	ref      domain.ReferenceSource
	override domain.OverrideSource
	session  SessionConfig
	metrics  *infra.Metrics
	logger   *slog.Logger
}

// NewBusinessDateResolver builds a resolver. ref and override may be nil,
// in which case their tiers are reported as unavailable.
func NewBusinessDateResolver(ref domain.ReferenceSource, override domain.OverrideSource, session SessionConfig, metrics *infra.Metrics, logger *slog.Logger) *BusinessDateResolver {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BusinessDateResolver{
		ref:      ref,
		override: override,
		session:  session,
		metrics:  metrics,
		logger:   logger,
	}
}

// Resolve returns the business date for now.
func (r *BusinessDateResolver) Resolve(ctx context.Context, now time.Time) domain.BusinessDate {
	bd := r.resolve(ctx, now)
	r.metrics.RecordResolution(bd.Tier)
	if bd.Degraded() {
		r.logger.Warn("Business date resolution degraded",
			slog.String("date", bd.Date.String()),
			slog.String("tier", bd.Tier.String()),
			slog.String("reason", bd.Reason),
		)
	}
	return bd
}

func (r *BusinessDateResolver) resolve(ctx context.Context, now time.Time) (bd domain.BusinessDate) {
	loc := r.session.location()
	var skipped []string

	defer func() {
		if p := recover(); p != nil {
			bd = r.hardFallback(now, append(skipped, fmt.Sprintf("panic: %v", p)))
		}
	}()

	// Tier 1: last trade time of the reference index
	if r.ref == nil {
		skipped = append(skipped, "tier1: no reference source")
	} else {
		ts, ok, err := r.ref.LatestReferenceTime(ctx, r.session.ReferenceIndex)
		switch {
		case err != nil:
			return r.hardFallback(now, append(skipped, "tier1: "+err.Error()))
		case !ok:
			skipped = append(skipped, "tier1: no reference snapshot")
		case !usableTimestamp(ts):
			skipped = append(skipped, "tier1: reference timestamp unset")
		default:
			return domain.BusinessDate{Date: domain.DateOf(ts.In(loc)), Tier: domain.TierPrimaryFeed}
		}
	}

	// Tier 2: operator override
	if r.override == nil {
		skipped = append(skipped, "tier2: no override source")
	} else {
		d, ok, err := r.override.BusinessDateOverride(ctx)
		switch {
		case err != nil:
			return r.hardFallback(now, append(skipped, "tier2: "+err.Error()))
		case !ok || d.IsZero():
			skipped = append(skipped, "tier2: no override")
		default:
			return domain.BusinessDate{Date: d, Tier: domain.TierManualOverride, Reason: strings.Join(skipped, "; ")}
		}
	}

	// Tier 3: wall clock against the session window
	if now.IsZero() {
		return r.hardFallback(now, append(skipped, "tier3: clock unset"))
	}
	d, why := r.session.heuristicDate(now)
	skipped = append(skipped, "tier3: "+why)
	return domain.BusinessDate{Date: d, Tier: domain.TierTimeHeuristic, Reason: strings.Join(skipped, "; ")}
}

func (r *BusinessDateResolver) hardFallback(now time.Time, skipped []string) domain.BusinessDate {
	if now.IsZero() {
		now = time.Now()
	}
	return domain.BusinessDate{
		Date:   domain.DateOf(now.In(r.session.location())),
		Tier:   domain.TierHardFallback,
		Reason: strings.Join(skipped, "; "),
	}
}

// heuristicDate applies the session rule. After close the same day still
// applies; only times before the open roll back to the prior trading day.
func (c SessionConfig) heuristicDate(now time.Time) (domain.Date, string) {
	cal := c.calendar()
	local := now.In(c.location())
	today := domain.DateOf(local)

	// Never a weekend or holiday, even at a time inside the window.
	if !cal.IsTradingDay(today) {
		return domain.PreviousTradingDay(cal, today), "non-trading day"
	}

	tod := timeOfDay(local)
	switch {
	case tod < c.Open:
		return domain.PreviousTradingDay(cal, today), "before session open"
	case tod > c.Close:
		return today, "after session close"
	default:
		return today, "within session"
	}
}

func timeOfDay(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
}

// usableTimestamp rejects zero and epoch-or-earlier values some feeds use
// to mean "never traded".
func usableTimestamp(t time.Time) bool {
	return !t.IsZero() && t.Unix() > 0
}

// ======================================================================================
// Reference tracking
// ======================================================================================

// ReferenceTracker is the live tier 1 source. Feed workers report index
// ticks through Observe; until the first tick it defers to fallback
// (typically the durable snapshot log).
type ReferenceTracker struct {
	mu       sync.RWMutex
	latest   map[string]time.Time
	fallback domain.ReferenceSource
}

// NewReferenceTracker creates a tracker. fallback may be nil.
func NewReferenceTracker(fallback domain.ReferenceSource) *ReferenceTracker {
	return &ReferenceTracker{
		latest:   make(map[string]time.Time),
		fallback: fallback,
	}
}

// Observe records a trade time for indexName. Older times are ignored.
func (t *ReferenceTracker) Observe(indexName string, at time.Time) {
	if !usableTimestamp(at) {
		return
	}
	indexName = strings.ToUpper(indexName)
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.latest[indexName]; !ok || at.After(prev) {
		t.latest[indexName] = at
	}
}

// LatestReferenceTime implements domain.ReferenceSource.
func (t *ReferenceTracker) LatestReferenceTime(ctx context.Context, indexName string) (time.Time, bool, error) {
	t.mu.RLock()
	at, ok := t.latest[strings.ToUpper(indexName)]
	t.mu.RUnlock()
	if ok {
		return at, true, nil
	}
	if t.fallback == nil {
		return time.Time{}, false, nil
	}
	return t.fallback.LatestReferenceTime(ctx, indexName)
}
