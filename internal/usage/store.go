package usage

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

// Store is the durable-persistence contract for usage records: the
// same shape SpendStore satisfies in memory, so costguard and the
// billing rollups it feeds never know which backs them. Production
// deployments wire SQLStore against Postgres; this core ships
// SpendStore as the default per spec §1's persistence Non-goals.
type Store interface {
	Record(rec model.UsageRecord)
	DailySpend(projectID ids.ProjectId, asOf time.Time) float64
	MonthlySpend(projectID ids.ProjectId, asOf time.Time) float64
}

var _ Store = (*SpendStore)(nil)

// SQLConfig configures a durable Postgres-backed Store.
type SQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (c SQLConfig) dsn() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslmode)
}

// SQLStore persists usage records to a `usage_records` table over the
// pgx database/sql driver, aggregating daily/monthly spend with a
// SUM(...) query per call rather than maintaining in-process buckets.
// It dials and pings at construction time, narrowed to a plain
// *sql.DB since this core has no ent schema to drive migrations from.
type SQLStore struct {
	db *stdsql.DB
}

// NewSQLStore opens a connection pool against cfg and verifies it with
// a ping. The caller owns Close.
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	db, err := stdsql.Open("pgx", cfg.dsn())
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, corerr.Wrap(corerr.CodeInternal, err)
	}
	return &SQLStore{db: db}, nil
}

// NewSQLStoreFromDB wraps an already-open *sql.DB, for callers that
// manage the pool's lifecycle themselves (or, in tests, a sqlmock
// connection).
func NewSQLStoreFromDB(db *stdsql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Record inserts rec. usage_records is append-only; DailySpend/
// MonthlySpend aggregate over it rather than maintaining running
// totals, trading write cost for always-correct reads.
func (s *SQLStore) Record(rec model.UsageRecord) {
	_, _ = s.db.Exec(
		`INSERT INTO usage_records (id, project_id, session_id, trace_id, provider, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, ts)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.ProjectID, rec.SessionID, rec.TraceID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CacheReadTokens, rec.CacheWriteTokens, rec.CostUSD, rec.Timestamp,
	)
}

// DailySpend sums cost_usd for projectID on asOf's calendar day (UTC).
func (s *SQLStore) DailySpend(projectID ids.ProjectId, asOf time.Time) float64 {
	return s.sumSpend(projectID, asOf.UTC().Format("2006-01-02"), "day")
}

// MonthlySpend sums cost_usd for projectID in asOf's calendar month (UTC).
func (s *SQLStore) MonthlySpend(projectID ids.ProjectId, asOf time.Time) float64 {
	return s.sumSpend(projectID, asOf.UTC().Format("2006-01"), "month")
}

func (s *SQLStore) sumSpend(projectID ids.ProjectId, bucket, granularity string) float64 {
	var total stdsql.NullFloat64
	_ = s.db.QueryRow(
		`SELECT SUM(cost_usd) FROM usage_records WHERE project_id = $1 AND to_char(ts, $2) = $3`,
		projectID, dateFormat(granularity), bucket,
	).Scan(&total)
	return total.Float64
}

func dateFormat(granularity string) string {
	if granularity == "month" {
		return "YYYY-MM"
	}
	return "YYYY-MM-DD"
}
