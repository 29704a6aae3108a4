package usage

import (
	"sync"
	"time"

	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

// SpendStore durably aggregates per-project daily and monthly spend. The
// backing store is a SQL table in production (external to this core per
// spec §1); this in-memory implementation satisfies the same Store
// interface costguard depends on, following the Tracker pruning pattern
// above but keyed by project and bucketed by calendar day/month.
type SpendStore struct {
	mu     sync.RWMutex
	byDay  map[ids.ProjectId]map[string]float64 // "2026-07-30" -> spend
	byMon  map[ids.ProjectId]map[string]float64 // "2026-07" -> spend
	now    func() time.Time
}

// NewSpendStore builds an empty in-memory spend store.
func NewSpendStore() *SpendStore {
	return &SpendStore{
		byDay: make(map[ids.ProjectId]map[string]float64),
		byMon: make(map[ids.ProjectId]map[string]float64),
		now:   time.Now,
	}
}

// Record adds rec.CostUSD to the project's daily and monthly buckets for
// rec.Timestamp.
func (s *SpendStore) Record(rec model.UsageRecord) {
	day := rec.Timestamp.UTC().Format("2006-01-02")
	month := rec.Timestamp.UTC().Format("2006-01")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byDay[rec.ProjectID] == nil {
		s.byDay[rec.ProjectID] = make(map[string]float64)
	}
	if s.byMon[rec.ProjectID] == nil {
		s.byMon[rec.ProjectID] = make(map[string]float64)
	}
	s.byDay[rec.ProjectID][day] += rec.CostUSD
	s.byMon[rec.ProjectID][month] += rec.CostUSD
}

// DailySpend returns the total spend for projectID on asOf's calendar
// day (UTC).
func (s *SpendStore) DailySpend(projectID ids.ProjectId, asOf time.Time) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byDay[projectID][asOf.UTC().Format("2006-01-02")]
}

// MonthlySpend returns the total spend for projectID in asOf's calendar
// month (UTC).
func (s *SpendStore) MonthlySpend(projectID ids.ProjectId, asOf time.Time) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byMon[projectID][asOf.UTC().Format("2006-01")]
}
