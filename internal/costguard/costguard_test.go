package costguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
	"github.com/nexuscore/core/internal/usage"
)

func TestPrecheckVetoesOnHardLimit(t *testing.T) {
	spend := usage.NewSpendStore()
	guard := New(spend, nil)

	project := ids.NewProjectId()
	spend.Record(model.UsageRecord{ProjectID: project, CostUSD: 1.20, Timestamp: time.Now()})

	cost := model.CostConfig{DailyBudgetUSD: 1.0, HardLimitPercent: 100}

	_, err := guard.Precheck(project, cost, 100)
	require.Error(t, err)
	require.True(t, corerr.HasCode(err, corerr.CodeDailyBudgetExceeded))
}

func TestPrecheckAllowsWithinHardLimitGraceBand(t *testing.T) {
	spend := usage.NewSpendStore()
	guard := New(spend, nil)

	project := ids.NewProjectId()
	spend.Record(model.UsageRecord{ProjectID: project, CostUSD: 1.05, Timestamp: time.Now()})

	// Hard limit at 110% of budget gives a grace band above the nominal $1.
	cost := model.CostConfig{DailyBudgetUSD: 1.0, HardLimitPercent: 110}

	_, err := guard.Precheck(project, cost, 100)
	require.NoError(t, err)
}

func TestRPMIsolatedPerProject(t *testing.T) {
	spend := usage.NewSpendStore()
	guard := New(spend, nil)

	projectA := ids.NewProjectId()
	projectB := ids.NewProjectId()
	cost := model.CostConfig{MaxRequestsPerMinute: 1}

	_, err := guard.Precheck(projectA, cost, 10)
	require.NoError(t, err)

	_, err = guard.Precheck(projectA, cost, 10)
	require.Error(t, err)
	require.True(t, corerr.HasCode(err, corerr.CodeRPMExceeded))

	// Activity on project A must not affect project B's counters.
	_, err = guard.Precheck(projectB, cost, 10)
	require.NoError(t, err)
}

func TestAlertFiresAtSoftThresholdNotHardLimit(t *testing.T) {
	spend := usage.NewSpendStore()
	guard := New(spend, nil)

	project := ids.NewProjectId()
	spend.Record(model.UsageRecord{ProjectID: project, CostUSD: 0.85, Timestamp: time.Now()})

	cost := model.CostConfig{DailyBudgetUSD: 1.0, AlertThresholdPercent: 80, HardLimitPercent: 120}

	fired, ratio := guard.AlertIfAboveThreshold(project, cost)
	require.True(t, fired)
	require.InDelta(t, 0.85, ratio, 0.0001)

	// Still below the hard limit, so a precheck right after must still pass.
	_, err := guard.Precheck(project, cost, 10)
	require.NoError(t, err)
}
