package usage

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

func TestSQLStoreRecordInsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStoreFromDB(db)

	rec := model.UsageRecord{
		ID:        "usage_1",
		ProjectID: "proj_1",
		CostUSD:   0.42,
		Timestamp: time.Now(),
	}

	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs(rec.ID, rec.ProjectID, rec.SessionID, rec.TraceID, rec.Provider, rec.Model,
			rec.InputTokens, rec.OutputTokens, rec.CacheReadTokens, rec.CacheWriteTokens, rec.CostUSD, rec.Timestamp).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store.Record(rec)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreDailySpendSumsRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStoreFromDB(db)
	asOf := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT SUM\\(cost_usd\\)").
		WithArgs(ids.ProjectId("proj_1"), "YYYY-MM-DD", "2026-07-30").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(1.5))

	require.InDelta(t, 1.5, store.DailySpend("proj_1", asOf), 0.0001)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreMonthlySpendWithNoRowsReturnsZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStoreFromDB(db)
	asOf := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT SUM\\(cost_usd\\)").
		WithArgs(ids.ProjectId("proj_1"), "YYYY-MM", "2026-07").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(nil))

	require.Equal(t, 0.0, store.MonthlySpend("proj_1", asOf))
	require.NoError(t, mock.ExpectationsWereMet())
}
