package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup references an address that has
// never been recorded.
var ErrNotFound = errors.New("endpoint not found")

// ErrInvalidSort is returned by ListEndpoints when the filter names a
// column outside the whitelist (see SortColumns).
var ErrInvalidSort = errors.New("invalid sort column")

// Result sources. Every test result records which path produced it.
const (
	SourceDiscovery = "discovery"
	SourcePeriodic  = "periodic"
)

// Endpoint is a monitored address together with its derived performance
// aggregates.
//
// The aggregate columns are never written directly: they are recomputed
// from the endpoint's test results whenever a result is appended or
// pruned, and always equal the mean (respectively min/max) over the
// non-pruned results. An endpoint with TotalTests == 0 has zero-valued
// aggregates and a nil LastTested.
type Endpoint struct {
	// Address is the unique identity of the endpoint.
	Address string `json:"address"`

	// FirstSeen is when the address was first recorded.
	FirstSeen time.Time `json:"first_seen"`

	// LastTested is the timestamp of the most recent non-pruned test
	// result, or nil if none remain.
	LastTested *time.Time `json:"last_tested"`

	// Active reports whether the endpoint participates in periodic
	// re-testing. Deactivation is a soft delete; history is retained.
	Active bool `json:"active"`

	// TotalTests is the number of non-pruned test results.
	TotalTests int64 `json:"total_tests"`

	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	AvgDownloadMbps float64 `json:"avg_download_mbps"`
	AvgUploadMbps   float64 `json:"avg_upload_mbps"`
	AvgLossRate     float64 `json:"avg_loss_rate"`

	BestLatencyMs     float64 `json:"best_latency_ms"`
	BestDownloadMbps  float64 `json:"best_download_mbps"`
	WorstLatencyMs    float64 `json:"worst_latency_ms"`
	WorstDownloadMbps float64 `json:"worst_download_mbps"`
}

// TestResult is one immutable measurement fact for an endpoint.
//
// Results are append-only; the only operation that removes them is the
// retention sweep ([Store.Prune]).
type TestResult struct {
	ID           int64     `json:"id"`
	Address      string    `json:"address"`
	TestedAt     time.Time `json:"tested_at"`
	LatencyMs    float64   `json:"latency_ms"`
	DownloadMbps float64   `json:"download_mbps"`
	UploadMbps   float64   `json:"upload_mbps"`
	LossRate     float64   `json:"loss_rate"`

	// Source is SourceDiscovery or SourcePeriodic.
	Source string `json:"source"`
}

// ScanSession records one discovery run. A session with a nil EndedAt
// is still in progress; closed sessions are immutable.
type ScanSession struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`

	// Acceptance criteria the run was started with.
	MinSpeedMbps float64 `json:"min_speed_mbps"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
	MaxLossRate  float64 `json:"max_loss_rate"`
	TestCount    int     `json:"test_count"`
	Threads      int     `json:"threads"`

	// Candidates is how many measurements the prober returned;
	// Accepted how many passed the criteria. Both stay zero until the
	// session is closed.
	Candidates int `json:"candidates"`
	Accepted   int `json:"accepted"`
}

// HourlyStat is one hour bucket of aggregated test results. Buckets are
// derived on demand from the test_results table and never stored.
type HourlyStat struct {
	Hour             time.Time `json:"hour"`
	TestCount        int64     `json:"test_count"`
	AvgLatencyMs     float64   `json:"avg_latency_ms"`
	AvgDownloadMbps  float64   `json:"avg_download_mbps"`
	AvgLossRate      float64   `json:"avg_loss_rate"`
	BestLatencyMs    float64   `json:"best_latency_ms"`
	BestDownloadMbps float64   `json:"best_download_mbps"`
}

// Stats is the overall dashboard summary.
type Stats struct {
	TotalActive      int64         `json:"total_active"`
	TotalTests       int64         `json:"total_tests"`
	TestsToday       int64         `json:"tests_today"`
	AvgLatencyMs     float64       `json:"avg_latency_ms"`
	AvgDownloadMbps  float64       `json:"avg_download_mbps"`
	AvgLossRate      float64       `json:"avg_loss_rate"`
	BestLatencyMs    float64       `json:"best_latency_ms"`
	BestDownloadMbps float64       `json:"best_download_mbps"`
	TopEndpoints     []Endpoint    `json:"top_endpoints"`
	RecentSessions   []ScanSession `json:"recent_sessions"`
}

// ListFilter controls [Store.ListEndpoints].
//
// Sorting always appends the address as a tiebreak so that pagination
// is stable: rows inserted mid-scan cannot cause an endpoint to be
// skipped or returned twice across pages.
type ListFilter struct {
	// ActiveOnly restricts the listing to active endpoints.
	ActiveOnly bool

	// Search filters by address substring.
	Search string

	// SortBy is one of the sortable column names (see SortColumns).
	// Empty means "avg_download_mbps".
	SortBy string

	// SortDesc reverses the sort order.
	SortDesc bool

	// Limit caps the number of rows returned; 0 means no limit.
	Limit int

	// Offset skips rows for pagination.
	Offset int
}

// SortColumns lists the column names accepted by [ListFilter.SortBy].
func SortColumns() []string {
	cols := make([]string, 0, len(sortColumns))
	for c := range sortColumns {
		cols = append(cols, c)
	}
	return cols
}

// Store is the persistence contract for endpoints, test results, scan
// sessions and derived aggregates.
//
// Implementations must be safe for concurrent use: one writer at a
// time, any number of readers observing the latest committed state.
// Storage failures are always returned to the caller, never swallowed.
type Store interface {
	// UpsertEndpoint creates the endpoint if absent and returns the
	// current row. For an existing address the identity fields are
	// left untouched (the no-op branch, not an error).
	UpsertEndpoint(ctx context.Context, address string) (Endpoint, error)

	// AppendResult inserts the measurement fact and recomputes the
	// endpoint's aggregates within the same transaction. The endpoint
	// row is created first if the address is previously unseen.
	AppendResult(ctx context.Context, r TestResult) error

	// DeactivateEndpoint soft-deletes the endpoint. Idempotent.
	DeactivateEndpoint(ctx context.Context, address string) error

	// GetEndpoint returns a single endpoint or ErrNotFound.
	GetEndpoint(ctx context.Context, address string) (Endpoint, error)

	// ListEndpoints returns endpoints matching the filter in a stable
	// order (sort key plus address tiebreak).
	ListEndpoints(ctx context.Context, f ListFilter) ([]Endpoint, error)

	// StalestEndpoints returns up to limit active endpoints ordered by
	// staleness: never-tested first, then oldest LastTested, ties
	// broken by address.
	StalestEndpoints(ctx context.Context, limit int) ([]Endpoint, error)

	// GetHistory returns the most recent test results for an address,
	// newest first.
	GetHistory(ctx context.Context, address string, limit int) ([]TestResult, error)

	// GetHourlyStats returns hour buckets for results at or after
	// since, oldest first.
	GetHourlyStats(ctx context.Context, since time.Time) ([]HourlyStat, error)

	// RecordScanSession opens a new session row and returns it with
	// its assigned ID and start time.
	RecordScanSession(ctx context.Context, s ScanSession) (ScanSession, error)

	// CloseScanSession marks the session as ended and records the
	// candidate and accepted counts. Closing an already closed
	// session is an error.
	CloseScanSession(ctx context.Context, id string, candidates, accepted int) error

	// ListScanSessions returns the most recent sessions, newest first.
	ListScanSessions(ctx context.Context, limit int) ([]ScanSession, error)

	// Prune deletes test results older than the retention window and
	// recomputes the aggregates of every affected endpoint. Returns
	// the number of deleted rows.
	Prune(ctx context.Context, retentionDays int) (int64, error)

	// RebuildAggregates recomputes one endpoint's aggregates from its
	// surviving test results. Appends and prunes do this internally;
	// the method exists so aggregate consistency can be verified (and
	// restored) independently.
	RebuildAggregates(ctx context.Context, address string) error

	// Stats returns the overall summary.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
