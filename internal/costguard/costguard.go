// Package costguard implements the pre-turn budget and rate-limit check
// plus post-turn usage recording described in spec §4.2. Spend
// aggregation is durable (internal/usage.SpendStore); rate-limit
// counters are kept in-memory for latency, as an explicit sliding
// window rather than a single token bucket so RPM and RPH can be
// distinguished and each pruned on its own boundary.
package costguard

import (
	"context"
	"sync"
	"time"

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
	"github.com/nexuscore/core/internal/observability"
	"github.com/nexuscore/core/internal/usage"
)

const pruneWindow = 2 * time.Hour

// requestWindow tracks request timestamps for one project to derive RPM
// and RPH counts. Entries older than pruneWindow are dropped on every
// Record call, bounding memory per spec §4.2.
type requestWindow struct {
	mu        sync.Mutex
	timestamps []time.Time
}

func (w *requestWindow) record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timestamps = append(w.timestamps, now)
	w.prune(now)
}

func (w *requestWindow) prune(now time.Time) {
	cutoff := now.Add(-pruneWindow)
	idx := 0
	for idx < len(w.timestamps) && w.timestamps[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.timestamps = w.timestamps[idx:]
	}
}

func (w *requestWindow) countSince(now time.Time, since time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-since)
	count := 0
	for _, ts := range w.timestamps {
		if !ts.Before(cutoff) {
			count++
		}
	}
	return count
}

// Permit is the opaque token returned by a successful Precheck. It
// carries the rate-limit slot already consumed so Record doesn't need to
// re-derive it.
type Permit struct {
	ProjectID  ids.ProjectId
	IssuedAt   time.Time
}

// Guard is the Cost Guard: one instance per process, shared across all
// projects (per-project state is keyed internally).
type Guard struct {
	mu      sync.Mutex
	windows map[ids.ProjectId]*requestWindow
	spend   *usage.SpendStore
	logger  *observability.Logger
	now     func() time.Time
}

// New builds a Guard backed by the given durable spend store.
func New(spend *usage.SpendStore, logger *observability.Logger) *Guard {
	return &Guard{
		windows: make(map[ids.ProjectId]*requestWindow),
		spend:   spend,
		logger:  logger,
		now:     time.Now,
	}
}

func (g *Guard) windowFor(projectID ids.ProjectId) *requestWindow {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.windows[projectID]
	if !ok {
		w = &requestWindow{}
		g.windows[projectID] = w
	}
	return w
}

// Precheck enforces budget and rate limits before a turn starts. A veto
// is returned as a *corerr.Error carrying one of the budget/limit codes;
// callers treat any error here as a veto (spec §4.2's distinguishable
// error kinds).
func (g *Guard) Precheck(projectID ids.ProjectId, cost model.CostConfig, estimatedInputTokens int) (Permit, error) {
	now := g.now()

	daily := g.spend.DailySpend(projectID, now)
	monthly := g.spend.MonthlySpend(projectID, now)

	if cost.DailyBudgetUSD > 0 {
		hardLimit := cost.DailyBudgetUSD * hardLimitFraction(cost.HardLimitPercent)
		if daily >= hardLimit {
			return Permit{}, corerr.Newf(corerr.CodeDailyBudgetExceeded,
				"daily spend %.4f USD has crossed the hard limit %.4f USD (budget %.4f USD)",
				daily, hardLimit, cost.DailyBudgetUSD)
		}
	}
	if cost.MonthlyBudgetUSD > 0 {
		hardLimit := cost.MonthlyBudgetUSD * hardLimitFraction(cost.HardLimitPercent)
		if monthly >= hardLimit {
			return Permit{}, corerr.Newf(corerr.CodeMonthlyBudgetExceeded,
				"monthly spend %.4f USD has crossed the hard limit %.4f USD (budget %.4f USD)",
				monthly, hardLimit, cost.MonthlyBudgetUSD)
		}
	}

	w := g.windowFor(projectID)
	if cost.MaxRequestsPerMinute > 0 && w.countSince(now, time.Minute) >= cost.MaxRequestsPerMinute {
		return Permit{}, corerr.Newf(corerr.CodeRPMExceeded,
			"project has reached %d requests in the last minute", cost.MaxRequestsPerMinute)
	}
	if cost.MaxRequestsPerHour > 0 && w.countSince(now, time.Hour) >= cost.MaxRequestsPerHour {
		return Permit{}, corerr.Newf(corerr.CodeRPHExceeded,
			"project has reached %d requests in the last hour", cost.MaxRequestsPerHour)
	}

	w.record(now)
	return Permit{ProjectID: projectID, IssuedAt: now}, nil
}

// hardLimitFraction converts a hard-limit percent (which may exceed 100)
// into a multiplier on the nominal budget.
func hardLimitFraction(percent float64) float64 {
	if percent <= 0 {
		return 1.0
	}
	return percent / 100.0
}

// Record persists actual usage after an LLM call completes. It is always
// safe to call even if Precheck was never issued a Permit for this
// specific call (e.g. a retried turn) — Record only accumulates spend.
func (g *Guard) Record(rec model.UsageRecord) {
	g.spend.Record(rec)
}

// AlertIfAboveThreshold emits a non-blocking warning once the daily spend
// ratio reaches the alert threshold; it never vetoes. The caller (the
// Agent Runner) is responsible for turning the returned bool into a
// cost_alert trace event.
func (g *Guard) AlertIfAboveThreshold(projectID ids.ProjectId, cost model.CostConfig) (fired bool, ratio float64) {
	if cost.DailyBudgetUSD <= 0 || cost.AlertThresholdPercent <= 0 {
		return false, 0
	}
	now := g.now()
	daily := g.spend.DailySpend(projectID, now)
	ratio = daily / cost.DailyBudgetUSD
	threshold := cost.AlertThresholdPercent / 100.0
	if ratio >= threshold {
		if g.logger != nil {
			g.logger.Warn(context.Background(), "cost alert threshold crossed",
				"project_id", string(projectID), "ratio", ratio, "threshold", threshold)
		}
		return true, ratio
	}
	return false, ratio
}
