package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgemon/edgemon/internal/prober"
	"github.com/edgemon/edgemon/internal/store"
)

// ErrNotRunning is returned by TriggerNow when the monitor is idle.
var ErrNotRunning = errors.New("monitor is not running")

// pruneEveryCycles is how many cycles pass between retention sweeps.
// With the default two-minute interval that is roughly one sweep per
// hour; the sweep is idempotent so the exact cadence is not critical.
const pruneEveryCycles = 24

// State is the monitor lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	default:
		return "idle"
	}
}

// Status is a point-in-time snapshot of the monitor, safe to hand to
// concurrent callers.
type Status struct {
	State      string     `json:"state"`
	Interval   string     `json:"interval"`
	LastCycle  *time.Time `json:"last_cycle"`
	NextCycle  *time.Time `json:"next_cycle"`
	LastError  string     `json:"last_error,omitempty"`
	CycleCount uint64     `json:"cycle_count"`
}

// Config carries the monitor's fixed settings. The interval is
// supplied per Start call so operators can restart with a different
// cadence without rebuilding the monitor.
type Config struct {
	// MaxPerCycle caps how many endpoints one cycle re-tests.
	MaxPerCycle int

	// Criteria is passed through to the prober on every batch test.
	Criteria prober.Criteria

	// RetentionDays bounds how long test results are kept.
	RetentionDays int
}

type metrics struct {
	cycles  prometheus.Counter
	results prometheus.Counter
	errors  prometheus.Counter
	pruned  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_cycles_total",
			Help: "Test cycles completed",
		}),
		results: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_results_total",
			Help: "Test results recorded by the monitor",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_cycle_errors_total",
			Help: "Cycles aborted by a prober or storage error",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_pruned_results_total",
			Help: "Test results removed by the retention sweep",
		}),
	}
	reg.MustRegister(m.cycles, m.results, m.errors, m.pruned)
	return m
}

// Monitor owns the periodic re-test cycle.
//
// All lifecycle transitions go through Start, Stop and TriggerNow; the
// state is never shared as raw variables. One background goroutine
// runs the cycle loop, and the single-flight guarantee (at most one
// cycle executing at any moment) is enforced with a try-lock on the
// cycle mutex. Stop is advisory: it is checked before the next prober
// call and during the inter-cycle sleep, and an in-flight prober call
// is allowed to finish so no partial measurements are recorded.
type Monitor struct {
	store  store.Store
	prober prober.Prober
	cfg    Config
	logger *slog.Logger
	m      *metrics

	// cycleMu is held for the duration of one cycle; TriggerNow uses
	// TryLock to detect an in-flight cycle.
	cycleMu sync.Mutex

	mu         sync.Mutex
	state      State
	interval   time.Duration
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	kick       chan struct{}
	lastCycle  time.Time
	nextCycle  time.Time
	lastErr    error
	cycleCount uint64
}

// New creates a Monitor. The prometheus registerer may not be nil;
// pass prometheus.NewRegistry() when metrics are not wanted.
func New(st store.Store, pr prober.Prober, cfg Config, logger *slog.Logger, reg prometheus.Registerer) *Monitor {
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = 20
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	return &Monitor{
		store:  st,
		prober: pr,
		cfg:    cfg,
		logger: logger,
		m:      newMetrics(reg),
	}
}

// Start transitions Idle → Running and begins the cycle loop, with the
// first cycle running immediately. Calling Start while running is a
// no-op (the existing loop and its interval are kept), so repeated
// Start calls never produce duplicate timers.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.state = StateRunning
	m.interval = interval
	m.cancel = cancel
	m.kick = make(chan struct{}, 1)
	kick := m.kick

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(loopCtx, interval, kick)
	}()

	m.logger.Info("monitor started", "interval", interval.String())
}

// Stop signals cancellation and waits for the loop to reach its next
// checkpoint and exit. Calling Stop while idle is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.state = StateIdle
	m.nextCycle = time.Time{}
	m.mu.Unlock()

	m.logger.Info("monitor stopped")
}

// TriggerNow runs one cycle immediately instead of waiting for the
// interval timer. If a cycle is already in flight the call is a no-op:
// never more than one cycle executes concurrently.
func (m *Monitor) TriggerNow() error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return ErrNotRunning
	}
	kick := m.kick
	m.mu.Unlock()

	if !m.cycleMu.TryLock() {
		// cycle in flight; single-flight makes this a no-op
		return nil
	}
	m.cycleMu.Unlock()

	select {
	case kick <- struct{}{}:
	default:
	}
	return nil
}

// Status returns a snapshot of the monitor state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:      m.state.String(),
		Interval:   m.interval.String(),
		CycleCount: m.cycleCount,
	}
	if !m.lastCycle.IsZero() {
		t := m.lastCycle
		st.LastCycle = &t
	}
	if m.state == StateRunning && !m.nextCycle.IsZero() {
		t := m.nextCycle
		st.NextCycle = &t
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// loop runs cycles until the context is cancelled. The sleep is
// measured from cycle start, not cycle end, so slow cycles do not skew
// the cadence.
func (m *Monitor) loop(ctx context.Context, interval time.Duration, kick chan struct{}) {
	for {
		start := time.Now()
		m.runCycle(ctx)

		next := start.Add(interval)
		m.mu.Lock()
		m.nextCycle = next
		m.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// runCycle selects the stalest endpoints, probes them once as a batch
// and records every returned measurement. Results commit in arrival
// order; addresses missing from the prober's response are recorded as
// nothing, since deactivation is an operator action and never a side
// effect of one failed probe. Any error aborts only this cycle and is
// kept as the last-known error.
func (m *Monitor) runCycle(ctx context.Context) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	// Cancellation is checked only at the checkpoints (the entry test
	// above and the inter-cycle sleep). Once a cycle has begun it runs
	// on a detached context: the in-flight prober call finishes and
	// every received result is committed, so Stop never aborts a cycle
	// mid-write.
	workCtx := context.WithoutCancel(ctx)
	err := m.cycle(workCtx)

	m.mu.Lock()
	m.lastCycle = time.Now()
	m.cycleCount++
	m.lastErr = err
	count := m.cycleCount
	m.mu.Unlock()

	if err != nil {
		m.m.errors.Inc()
		m.logger.Error("cycle failed", "error", err)
		return
	}
	m.m.cycles.Inc()

	if count%pruneEveryCycles == 0 {
		m.prune(workCtx)
	}
}

func (m *Monitor) cycle(ctx context.Context) error {
	endpoints, err := m.store.StalestEndpoints(ctx, m.cfg.MaxPerCycle)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		m.logger.Debug("no active endpoints to test")
		return nil
	}

	addresses := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addresses[i] = ep.Address
	}

	results, err := m.prober.BatchTest(ctx, addresses, m.cfg.Criteria)
	if err != nil {
		return err
	}

	for _, r := range results {
		if err := m.store.AppendResult(ctx, store.TestResult{
			Address:      r.Address,
			TestedAt:     time.Now(),
			LatencyMs:    r.LatencyMs,
			DownloadMbps: r.DownloadMbps,
			UploadMbps:   r.UploadMbps,
			LossRate:     r.LossRate,
			Source:       store.SourcePeriodic,
		}); err != nil {
			return err
		}
		m.m.results.Inc()
	}

	m.logger.Info("cycle completed",
		"tested", len(addresses),
		"results", len(results),
	)
	return nil
}

func (m *Monitor) prune(ctx context.Context) {
	deleted, err := m.store.Prune(ctx, m.cfg.RetentionDays)
	if err != nil {
		m.logger.Error("retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		m.m.pruned.Add(float64(deleted))
		m.logger.Info("retention sweep removed old results",
			"deleted", deleted,
			"retention_days", m.cfg.RetentionDays,
		)
	}
}
