// Package discovery implements the one-shot bulk scan that seeds the
// endpoint pool.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgemon/edgemon/internal/prober"
	"github.com/edgemon/edgemon/internal/store"
)

// ErrScanInProgress is returned when a discovery run is requested
// while another one is still running. Runs are rejected, not queued.
var ErrScanInProgress = errors.New("discovery scan already in progress")

// Runner executes discovery scans, one at a time.
type Runner struct {
	store  store.Store
	prober prober.Prober
	logger *slog.Logger

	scans    prometheus.Counter
	accepted prometheus.Counter

	mu   sync.Mutex
	busy bool
}

// NewRunner creates a discovery Runner.
func NewRunner(st store.Store, pr prober.Prober, logger *slog.Logger, reg prometheus.Registerer) *Runner {
	r := &Runner{
		store:  st,
		prober: pr,
		logger: logger,
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_scans_total",
			Help: "Discovery scans completed",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_accepted_total",
			Help: "Endpoints accepted by discovery scans",
		}),
	}
	reg.MustRegister(r.scans, r.accepted)
	return r
}

// Running reports whether a scan is currently in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// acquire reserves the runner for one scan. Exactly one caller wins;
// everyone else gets ErrScanInProgress until release.
func (r *Runner) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return ErrScanInProgress
	}
	r.busy = true
	return nil
}

func (r *Runner) release() {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
}

// Run performs one discovery scan: open a session, bulk-scan the full
// candidate space, seed the store with every accepted candidate, close
// the session with the counts.
//
// An unreachable prober or an empty scan is not a hard failure: the
// session is still closed and returned with zero acceptances. Only
// malformed criteria, a concurrent run, and storage errors fail the
// call.
func (r *Runner) Run(ctx context.Context, c prober.Criteria) (store.ScanSession, error) {
	if err := c.Validate(); err != nil {
		return store.ScanSession{}, err
	}
	if err := r.acquire(); err != nil {
		return store.ScanSession{}, err
	}
	defer r.release()
	return r.run(ctx, c)
}

// Start validates the criteria and reserves the runner synchronously,
// then performs the scan in a background goroutine. Reserving before
// returning means two near-simultaneous Start calls can never both be
// told the scan was launched: exactly one wins, the other gets
// ErrScanInProgress.
func (r *Runner) Start(ctx context.Context, c prober.Criteria) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := r.acquire(); err != nil {
		return err
	}
	go func() {
		defer r.release()
		if _, err := r.run(ctx, c); err != nil {
			r.logger.Error("discovery scan failed", "error", err)
		}
	}()
	return nil
}

func (r *Runner) run(ctx context.Context, c prober.Criteria) (store.ScanSession, error) {
	session, err := r.store.RecordScanSession(ctx, store.ScanSession{
		ID:           uuid.NewString(),
		StartedAt:    time.Now(),
		MinSpeedMbps: c.MinSpeedMbps,
		MaxLatencyMs: c.MaxLatencyMs,
		MaxLossRate:  c.MaxLossRate,
		TestCount:    c.TestCount,
		Threads:      c.Threads,
	})
	if err != nil {
		return store.ScanSession{}, err
	}

	r.logger.Info("discovery scan started",
		"session", session.ID,
		"min_speed_mbps", c.MinSpeedMbps,
		"max_latency_ms", c.MaxLatencyMs,
		"max_loss_rate", c.MaxLossRate,
	)

	measurements, scanErr := r.prober.BulkScan(ctx, c)
	if scanErr != nil {
		r.logger.Warn("bulk scan failed, closing session empty", "error", scanErr)
	}

	accepted := 0
	for _, m := range measurements {
		if !c.Accepts(m) {
			continue
		}
		if _, err := r.store.UpsertEndpoint(ctx, m.Address); err != nil {
			return session, err
		}
		if err := r.store.AppendResult(ctx, store.TestResult{
			Address:      m.Address,
			TestedAt:     time.Now(),
			LatencyMs:    m.LatencyMs,
			DownloadMbps: m.DownloadMbps,
			UploadMbps:   m.UploadMbps,
			LossRate:     m.LossRate,
			Source:       store.SourceDiscovery,
		}); err != nil {
			return session, err
		}
		accepted++
	}

	if err := r.store.CloseScanSession(ctx, session.ID, len(measurements), accepted); err != nil {
		return session, err
	}
	now := time.Now()
	session.EndedAt = &now
	session.Candidates = len(measurements)
	session.Accepted = accepted

	r.scans.Inc()
	r.accepted.Add(float64(accepted))
	r.logger.Info("discovery scan completed",
		"session", session.ID,
		"candidates", session.Candidates,
		"accepted", session.Accepted,
	)
	return session, nil
}
