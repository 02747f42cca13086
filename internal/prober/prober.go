package prober

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the prober boundary. Callers distinguish them
// with errors.Is; nothing is retried here, retry policy belongs to
// the caller.
var (
	// ErrUnavailable means the prober binary is missing or could not
	// be started at all.
	ErrUnavailable = errors.New("prober unavailable")

	// ErrTimeout means a prober call exceeded its time bound.
	ErrTimeout = errors.New("prober call timed out")

	// ErrInvalidCriteria means caller-supplied thresholds are
	// malformed. It is returned before any prober call is made.
	ErrInvalidCriteria = errors.New("invalid criteria")
)

// Measurement is one raw result for a single address, as reported by
// the prober.
type Measurement struct {
	Address      string
	DownloadMbps float64
	UploadMbps   float64
	LatencyMs    float64
	LossRate     float64
}

// Criteria carries the acceptance thresholds and sizing knobs for a
// prober call.
type Criteria struct {
	// MinSpeedMbps is the minimum acceptable download speed.
	MinSpeedMbps float64

	// MaxLatencyMs is the maximum acceptable latency.
	MaxLatencyMs float64

	// MaxLossRate is the maximum acceptable loss rate in [0, 1].
	MaxLossRate float64

	// TestCount is how many candidates get a full download test
	// during a bulk scan.
	TestCount int

	// Threads is the prober's own concurrency.
	Threads int
}

// Validate rejects malformed thresholds before any prober call.
func (c Criteria) Validate() error {
	if c.MinSpeedMbps < 0 {
		return fmt.Errorf("%w: min speed must not be negative, got %v", ErrInvalidCriteria, c.MinSpeedMbps)
	}
	if c.MaxLatencyMs <= 0 {
		return fmt.Errorf("%w: max latency must be positive, got %v", ErrInvalidCriteria, c.MaxLatencyMs)
	}
	if c.MaxLossRate < 0 || c.MaxLossRate > 1 {
		return fmt.Errorf("%w: max loss rate must be within [0, 1], got %v", ErrInvalidCriteria, c.MaxLossRate)
	}
	if c.TestCount < 0 {
		return fmt.Errorf("%w: test count must not be negative, got %d", ErrInvalidCriteria, c.TestCount)
	}
	if c.Threads < 0 {
		return fmt.Errorf("%w: threads must not be negative, got %d", ErrInvalidCriteria, c.Threads)
	}
	return nil
}

// Accepts reports whether a measurement passes the thresholds.
func (c Criteria) Accepts(m Measurement) bool {
	return m.DownloadMbps >= c.MinSpeedMbps &&
		m.LatencyMs <= c.MaxLatencyMs &&
		m.LossRate <= c.MaxLossRate
}

// Prober is the external measurement capability.
//
// Both calls are blocking, time-bounded batch operations. BatchTest
// may return fewer measurements than addresses: an address the prober
// could not measure is simply absent from the result, not an error.
// Implementations report failures; they never retry internally.
type Prober interface {
	// BulkScan probes the prober's full candidate address space with
	// the given criteria.
	BulkScan(ctx context.Context, c Criteria) ([]Measurement, error)

	// BatchTest re-tests the specific addresses.
	BatchTest(ctx context.Context, addresses []string, c Criteria) ([]Measurement, error)
}

// CallTimeouts bound the two prober operations. A bulk scan walks the
// whole candidate space and can legitimately run for a long time; a
// batch re-test covers at most one cycle's worth of addresses.
const (
	DefaultBulkTimeout  = 1 * time.Hour
	DefaultBatchTimeout = 5 * time.Minute
)
