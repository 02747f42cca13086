package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sortColumns maps the externally visible sort names to the underlying
// columns. The whitelist doubles as injection protection for the ORDER
// BY clause.
var sortColumns = map[string]string{
	"address":            "address",
	"first_seen":         "first_seen",
	"last_tested":        "last_tested",
	"total_tests":        "total_tests",
	"avg_latency_ms":     "avg_latency_ms",
	"avg_download_mbps":  "avg_download_mbps",
	"avg_upload_mbps":    "avg_upload_mbps",
	"avg_loss_rate":      "avg_loss_rate",
	"best_latency_ms":    "best_latency_ms",
	"best_download_mbps": "best_download_mbps",
}

const schema = `
CREATE TABLE IF NOT EXISTS endpoints (
	address             TEXT PRIMARY KEY,
	first_seen          TIMESTAMP NOT NULL,
	last_tested         TIMESTAMP,
	active              BOOLEAN NOT NULL DEFAULT 1,
	total_tests         INTEGER NOT NULL DEFAULT 0,
	avg_latency_ms      REAL,
	avg_download_mbps   REAL,
	avg_upload_mbps     REAL,
	avg_loss_rate       REAL,
	best_latency_ms     REAL,
	best_download_mbps  REAL,
	worst_latency_ms    REAL,
	worst_download_mbps REAL
);
CREATE TABLE IF NOT EXISTS test_results (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	address       TEXT NOT NULL REFERENCES endpoints(address) ON DELETE CASCADE,
	tested_at     TIMESTAMP NOT NULL,
	latency_ms    REAL NOT NULL,
	download_mbps REAL NOT NULL,
	upload_mbps   REAL NOT NULL DEFAULT 0,
	loss_rate     REAL NOT NULL,
	source        TEXT NOT NULL DEFAULT 'periodic'
);
CREATE TABLE IF NOT EXISTS scan_sessions (
	id             TEXT PRIMARY KEY,
	started_at     TIMESTAMP NOT NULL,
	ended_at       TIMESTAMP,
	min_speed_mbps REAL NOT NULL,
	max_latency_ms REAL NOT NULL,
	max_loss_rate  REAL NOT NULL,
	test_count     INTEGER NOT NULL,
	threads        INTEGER NOT NULL,
	candidates     INTEGER NOT NULL DEFAULT 0,
	accepted       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_test_results_address ON test_results(address);
CREATE INDEX IF NOT EXISTS idx_test_results_tested_at ON test_results(tested_at);
CREATE INDEX IF NOT EXISTS idx_endpoints_active ON endpoints(active);
`

// endpointColumns is the select list shared by every endpoint query.
// Aggregates are NULL until the first result lands; COALESCE keeps the
// scan targets plain float64.
const endpointColumns = `address, first_seen, last_tested, active, total_tests,
	COALESCE(avg_latency_ms, 0), COALESCE(avg_download_mbps, 0),
	COALESCE(avg_upload_mbps, 0), COALESCE(avg_loss_rate, 0),
	COALESCE(best_latency_ms, 0), COALESCE(best_download_mbps, 0),
	COALESCE(worst_latency_ms, 0), COALESCE(worst_download_mbps, 0)`

// SQLite is the file-backed [Store] implementation.
//
// The connection pool is capped at a single connection, which combined
// with the WAL journal gives the single-writer discipline the
// scheduler and API layer rely on: writes serialize on the connection,
// readers always observe the latest committed state.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertEndpoint creates the endpoint row if absent and returns the
// current state. Existing rows are left untouched.
func (s *SQLite) UpsertEndpoint(ctx context.Context, address string) (Endpoint, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoints (address, first_seen) VALUES (?, ?)
		 ON CONFLICT(address) DO NOTHING`,
		address, time.Now().UTC())
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to upsert endpoint %s: %w", address, err)
	}
	return s.GetEndpoint(ctx, address)
}

// AppendResult inserts the fact and recomputes the endpoint aggregates
// inside one transaction.
func (s *SQLite) AppendResult(ctx context.Context, r TestResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if r.TestedAt.IsZero() {
		r.TestedAt = time.Now()
	}
	if r.Source == "" {
		r.Source = SourcePeriodic
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO endpoints (address, first_seen) VALUES (?, ?)
		 ON CONFLICT(address) DO NOTHING`,
		r.Address, r.TestedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert endpoint %s: %w", r.Address, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO test_results (address, tested_at, latency_ms, download_mbps, upload_mbps, loss_rate, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Address, r.TestedAt.UTC(), r.LatencyMs, r.DownloadMbps, r.UploadMbps, r.LossRate, r.Source)
	if err != nil {
		return fmt.Errorf("failed to insert test result for %s: %w", r.Address, err)
	}

	if err := recomputeAggregates(ctx, tx, r.Address); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit test result: %w", err)
	}
	return nil
}

// execer covers *sql.DB and *sql.Tx for the aggregate recompute.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// recomputeAggregates rewrites the derived columns of one endpoint as a
// pure function of its surviving test results. With no results left the
// aggregates return to NULL and last_tested clears, matching a
// freshly upserted row.
func recomputeAggregates(ctx context.Context, e execer, address string) error {
	_, err := e.ExecContext(ctx, `
		UPDATE endpoints SET
			total_tests         = (SELECT COUNT(*)            FROM test_results WHERE address = ?1),
			last_tested         = (SELECT MAX(tested_at)      FROM test_results WHERE address = ?1),
			avg_latency_ms      = (SELECT AVG(latency_ms)     FROM test_results WHERE address = ?1),
			avg_download_mbps   = (SELECT AVG(download_mbps)  FROM test_results WHERE address = ?1),
			avg_upload_mbps     = (SELECT AVG(upload_mbps)    FROM test_results WHERE address = ?1),
			avg_loss_rate       = (SELECT AVG(loss_rate)      FROM test_results WHERE address = ?1),
			best_latency_ms     = (SELECT MIN(latency_ms)     FROM test_results WHERE address = ?1),
			best_download_mbps  = (SELECT MAX(download_mbps)  FROM test_results WHERE address = ?1),
			worst_latency_ms    = (SELECT MAX(latency_ms)     FROM test_results WHERE address = ?1),
			worst_download_mbps = (SELECT MIN(download_mbps)  FROM test_results WHERE address = ?1)
		WHERE address = ?1`, address)
	if err != nil {
		return fmt.Errorf("failed to recompute aggregates for %s: %w", address, err)
	}
	return nil
}

// RebuildAggregates recomputes one endpoint's aggregates from scratch.
func (s *SQLite) RebuildAggregates(ctx context.Context, address string) error {
	return recomputeAggregates(ctx, s.db, address)
}

// DeactivateEndpoint soft-deletes the endpoint. Unknown addresses and
// repeat calls are no-ops.
func (s *SQLite) DeactivateEndpoint(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET active = 0 WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("failed to deactivate endpoint %s: %w", address, err)
	}
	return nil
}

// GetEndpoint returns a single endpoint or ErrNotFound.
func (s *SQLite) GetEndpoint(ctx context.Context, address string) (Endpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE address = ?`, address)
	ep, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return Endpoint{}, ErrNotFound
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to get endpoint %s: %w", address, err)
	}
	return ep, nil
}

// ListEndpoints returns endpoints matching the filter. The address is
// always the final sort key so pagination stays stable while rows are
// inserted concurrently.
func (s *SQLite) ListEndpoints(ctx context.Context, f ListFilter) ([]Endpoint, error) {
	var (
		where []string
		args  []any
	)
	if f.ActiveOnly {
		where = append(where, "active = 1")
	}
	if f.Search != "" {
		where = append(where, "address LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}

	sortBy := f.SortBy
	if sortBy == "" {
		sortBy = "avg_download_mbps"
	}
	col, ok := sortColumns[sortBy]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrInvalidSort, f.SortBy)
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}

	query := `SELECT ` + endpointColumns + ` FROM endpoints`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s %s, address ASC", col, dir)
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

// StalestEndpoints returns active endpoints ordered oldest-tested
// first. SQLite sorts NULL before any timestamp in ascending order, so
// never-tested endpoints lead the selection.
func (s *SQLite) StalestEndpoints(ctx context.Context, limit int) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints
		 WHERE active = 1
		 ORDER BY last_tested ASC, address ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select stalest endpoints: %w", err)
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

// GetHistory returns the newest test results for an address.
func (s *SQLite) GetHistory(ctx context.Context, address string, limit int) ([]TestResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, tested_at, latency_ms, download_mbps, upload_mbps, loss_rate, source
		 FROM test_results
		 WHERE address = ?
		 ORDER BY tested_at DESC, id DESC
		 LIMIT ?`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history for %s: %w", address, err)
	}
	defer rows.Close()

	var results []TestResult
	for rows.Next() {
		var r TestResult
		if err := rows.Scan(&r.ID, &r.Address, &r.TestedAt, &r.LatencyMs,
			&r.DownloadMbps, &r.UploadMbps, &r.LossRate, &r.Source); err != nil {
			return nil, fmt.Errorf("failed to scan test result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetHourlyStats buckets test results by hour, oldest bucket first.
func (s *SQLite) GetHourlyStats(ctx context.Context, since time.Time) ([]HourlyStat, error) {
	// tested_at is stored as an ISO-style UTC string; the first 13
	// characters are "YYYY-MM-DD HH", which is exactly the hour bucket.
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(tested_at, 1, 13) AS hour,
			COUNT(*), AVG(latency_ms), AVG(download_mbps), AVG(loss_rate),
			MIN(latency_ms), MAX(download_mbps)
		FROM test_results
		WHERE tested_at >= ?
		GROUP BY hour
		ORDER BY hour ASC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate hourly stats: %w", err)
	}
	defer rows.Close()

	var stats []HourlyStat
	for rows.Next() {
		var (
			h    HourlyStat
			hour string
		)
		if err := rows.Scan(&hour, &h.TestCount, &h.AvgLatencyMs, &h.AvgDownloadMbps,
			&h.AvgLossRate, &h.BestLatencyMs, &h.BestDownloadMbps); err != nil {
			return nil, fmt.Errorf("failed to scan hourly stat: %w", err)
		}
		h.Hour, err = time.Parse("2006-01-02 15", hour)
		if err != nil {
			return nil, fmt.Errorf("failed to parse hour bucket %q: %w", hour, err)
		}
		stats = append(stats, h)
	}
	return stats, rows.Err()
}

// RecordScanSession opens a new session row.
func (s *SQLite) RecordScanSession(ctx context.Context, sess ScanSession) (ScanSession, error) {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	sess.StartedAt = sess.StartedAt.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_sessions (id, started_at, min_speed_mbps, max_latency_ms, max_loss_rate, test_count, threads)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.StartedAt, sess.MinSpeedMbps, sess.MaxLatencyMs, sess.MaxLossRate,
		sess.TestCount, sess.Threads)
	if err != nil {
		return ScanSession{}, fmt.Errorf("failed to record scan session: %w", err)
	}
	return sess, nil
}

// CloseScanSession finalizes the session with its counts.
func (s *SQLite) CloseScanSession(ctx context.Context, id string, candidates, accepted int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_sessions SET ended_at = ?, candidates = ?, accepted = ?
		 WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC(), candidates, accepted, id)
	if err != nil {
		return fmt.Errorf("failed to close scan session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to close scan session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("scan session %s is not open", id)
	}
	return nil
}

// ListScanSessions returns the newest sessions first.
func (s *SQLite) ListScanSessions(ctx context.Context, limit int) ([]ScanSession, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, ended_at, min_speed_mbps, max_latency_ms, max_loss_rate,
			test_count, threads, candidates, accepted
		 FROM scan_sessions
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ScanSession
	for rows.Next() {
		var (
			sess  ScanSession
			ended sql.NullTime
		)
		if err := rows.Scan(&sess.ID, &sess.StartedAt, &ended, &sess.MinSpeedMbps,
			&sess.MaxLatencyMs, &sess.MaxLossRate, &sess.TestCount, &sess.Threads,
			&sess.Candidates, &sess.Accepted); err != nil {
			return nil, fmt.Errorf("failed to scan scan session: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			sess.EndedAt = &t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune deletes results older than the retention window and recomputes
// the aggregates of every endpoint that lost rows, all in one
// transaction so concurrent appends never observe half a sweep.
func (s *SQLite) Prune(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT address FROM test_results WHERE tested_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find prunable endpoints: %w", err)
	}
	var affected []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan prunable address: %w", err)
		}
		affected = append(affected, addr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM test_results WHERE tested_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune test results: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned rows: %w", err)
	}

	for _, addr := range affected {
		if err := recomputeAggregates(ctx, tx, addr); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return deleted, nil
}

// Stats assembles the overall dashboard summary.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM endpoints WHERE active = 1`).Scan(&st.TotalActive)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count active endpoints: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM test_results`).Scan(&st.TotalTests)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count test results: %w", err)
	}

	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM test_results WHERE tested_at >= ?`, midnight).Scan(&st.TestsToday)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count today's tests: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(avg_latency_ms), 0), COALESCE(AVG(avg_download_mbps), 0),
			COALESCE(AVG(avg_loss_rate), 0), COALESCE(MIN(best_latency_ms), 0),
			COALESCE(MAX(best_download_mbps), 0)
		FROM endpoints WHERE active = 1`).Scan(
		&st.AvgLatencyMs, &st.AvgDownloadMbps, &st.AvgLossRate,
		&st.BestLatencyMs, &st.BestDownloadMbps)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate fleet stats: %w", err)
	}

	st.TopEndpoints, err = s.ListEndpoints(ctx, ListFilter{
		ActiveOnly: true,
		SortBy:     "avg_download_mbps",
		SortDesc:   true,
		Limit:      5,
	})
	if err != nil {
		return Stats{}, err
	}

	st.RecentSessions, err = s.ListScanSessions(ctx, 5)
	if err != nil {
		return Stats{}, err
	}

	return st, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanEndpoint.
type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(sc scanner) (Endpoint, error) {
	var (
		ep         Endpoint
		lastTested sql.NullTime
	)
	err := sc.Scan(&ep.Address, &ep.FirstSeen, &lastTested, &ep.Active, &ep.TotalTests,
		&ep.AvgLatencyMs, &ep.AvgDownloadMbps, &ep.AvgUploadMbps, &ep.AvgLossRate,
		&ep.BestLatencyMs, &ep.BestDownloadMbps, &ep.WorstLatencyMs, &ep.WorstDownloadMbps)
	if err != nil {
		return Endpoint{}, err
	}
	if lastTested.Valid {
		t := lastTested.Time
		ep.LastTested = &t
	}
	return ep, nil
}

func collectEndpoints(rows *sql.Rows) ([]Endpoint, error) {
	var endpoints []Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}
