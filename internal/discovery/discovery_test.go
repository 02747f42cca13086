package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgemon/edgemon/internal/prober"
	"github.com/edgemon/edgemon/internal/store"
)

// fakeStore records the session lifecycle and seeded endpoints.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*store.ScanSession
	upserted []string
	results  []store.TestResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*store.ScanSession)}
}

func (f *fakeStore) RecordScanSession(ctx context.Context, s store.ScanSession) (store.ScanSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	cp := s
	f.sessions[s.ID] = &cp
	return s, nil
}

func (f *fakeStore) CloseScanSession(ctx context.Context, id string, candidates, accepted int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.EndedAt != nil {
		return errors.New("session is not open")
	}
	now := time.Now()
	s.EndedAt = &now
	s.Candidates = candidates
	s.Accepted = accepted
	return nil
}

func (f *fakeStore) UpsertEndpoint(ctx context.Context, address string) (store.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, address)
	return store.Endpoint{Address: address, Active: true}, nil
}

func (f *fakeStore) AppendResult(ctx context.Context, r store.TestResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
	return nil
}

func (f *fakeStore) session(id string) store.ScanSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sessions[id]
}

func (f *fakeStore) DeactivateEndpoint(ctx context.Context, address string) error { return nil }
func (f *fakeStore) GetEndpoint(ctx context.Context, address string) (store.Endpoint, error) {
	return store.Endpoint{}, store.ErrNotFound
}
func (f *fakeStore) ListEndpoints(ctx context.Context, fl store.ListFilter) ([]store.Endpoint, error) {
	return nil, nil
}
func (f *fakeStore) StalestEndpoints(ctx context.Context, limit int) ([]store.Endpoint, error) {
	return nil, nil
}
func (f *fakeStore) GetHistory(ctx context.Context, address string, limit int) ([]store.TestResult, error) {
	return nil, nil
}
func (f *fakeStore) GetHourlyStats(ctx context.Context, since time.Time) ([]store.HourlyStat, error) {
	return nil, nil
}
func (f *fakeStore) ListScanSessions(ctx context.Context, limit int) ([]store.ScanSession, error) {
	return nil, nil
}
func (f *fakeStore) Prune(ctx context.Context, retentionDays int) (int64, error) { return 0, nil }
func (f *fakeStore) RebuildAggregates(ctx context.Context, address string) error { return nil }
func (f *fakeStore) Stats(ctx context.Context) (store.Stats, error) {
	return store.Stats{}, nil
}
func (f *fakeStore) Close() error { return nil }

// fakeProber returns canned bulk scan output, optionally blocking until
// released so concurrency can be exercised.
type fakeProber struct {
	measurements []prober.Measurement
	err          error
	block        chan struct{}
}

func (f *fakeProber) BulkScan(ctx context.Context, c prober.Criteria) ([]prober.Measurement, error) {
	if f.block != nil {
		<-f.block
	}
	return f.measurements, f.err
}

func (f *fakeProber) BatchTest(ctx context.Context, addresses []string, c prober.Criteria) ([]prober.Measurement, error) {
	return nil, errors.New("not used")
}

func newTestRunner(st store.Store, pr prober.Prober) *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(st, pr, logger, prometheus.NewRegistry())
}

func TestRun_SeedsAcceptedCandidatesOnly(t *testing.T) {
	st := newFakeStore()
	pr := &fakeProber{measurements: []prober.Measurement{
		{Address: "1.1.1.1", DownloadMbps: 25, LatencyMs: 40, LossRate: 0},
		{Address: "1.0.0.1", DownloadMbps: 5, LatencyMs: 40, LossRate: 0},    // too slow
		{Address: "1.0.0.2", DownloadMbps: 25, LatencyMs: 40, LossRate: 0.5}, // too lossy
	}}

	c := prober.Criteria{MinSpeedMbps: 10, MaxLatencyMs: 1000, MaxLossRate: 0.25}
	session, err := newTestRunner(st, pr).Run(context.Background(), c)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if session.Candidates != 3 || session.Accepted != 1 {
		t.Errorf("session counts = (%d, %d), want (3, 1)", session.Candidates, session.Accepted)
	}
	if session.EndedAt == nil {
		t.Error("returned session should be closed")
	}

	stored := st.session(session.ID)
	if stored.EndedAt == nil || stored.Candidates != 3 || stored.Accepted != 1 {
		t.Errorf("stored session = %+v, want closed with counts (3, 1)", stored)
	}

	if len(st.upserted) != 1 || st.upserted[0] != "1.1.1.1" {
		t.Errorf("upserted = %v, want [1.1.1.1]", st.upserted)
	}
	if len(st.results) != 1 {
		t.Fatalf("recorded %d results, want 1", len(st.results))
	}
	if got := st.results[0]; got.Address != "1.1.1.1" || got.Source != store.SourceDiscovery {
		t.Errorf("result = %+v, want discovery result for 1.1.1.1", got)
	}
}

func TestRun_ProberFailureStillClosesSession(t *testing.T) {
	st := newFakeStore()
	pr := &fakeProber{err: prober.ErrUnavailable}

	session, err := newTestRunner(st, pr).Run(context.Background(),
		prober.Criteria{MaxLatencyMs: 1000, MaxLossRate: 0.25})
	if err != nil {
		t.Fatalf("Run() error = %v, want nil (prober failure is not fatal)", err)
	}

	if session.Candidates != 0 || session.Accepted != 0 {
		t.Errorf("session counts = (%d, %d), want (0, 0)", session.Candidates, session.Accepted)
	}
	stored := st.session(session.ID)
	if stored.EndedAt == nil {
		t.Error("session should be closed even when the prober fails")
	}
	if len(st.upserted) != 0 {
		t.Errorf("upserted = %v, want none", st.upserted)
	}
}

func TestRun_InvalidCriteriaRecordsNothing(t *testing.T) {
	st := newFakeStore()
	r := newTestRunner(st, &fakeProber{})

	_, err := r.Run(context.Background(), prober.Criteria{MaxLatencyMs: -1})
	if !errors.Is(err, prober.ErrInvalidCriteria) {
		t.Fatalf("Run() error = %v, want ErrInvalidCriteria", err)
	}
	if len(st.sessions) != 0 {
		t.Error("no session should be recorded for invalid criteria")
	}
}

func TestRun_ConcurrentRunRejected(t *testing.T) {
	st := newFakeStore()
	pr := &fakeProber{block: make(chan struct{})}
	r := newTestRunner(st, pr)

	c := prober.Criteria{MaxLatencyMs: 1000, MaxLossRate: 0.25}

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), c)
		done <- err
	}()

	// wait for the first run to take the busy flag
	deadline := time.Now().Add(5 * time.Second)
	for !r.Running() {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := r.Run(context.Background(), c); !errors.Is(err, ErrScanInProgress) {
		t.Errorf("second Run() error = %v, want ErrScanInProgress", err)
	}

	close(pr.block)
	if err := <-done; err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if r.Running() {
		t.Error("Running() should be false after completion")
	}
}

func TestStart_ReservesBeforeReturning(t *testing.T) {
	st := newFakeStore()
	pr := &fakeProber{
		measurements: []prober.Measurement{
			{Address: "1.1.1.1", DownloadMbps: 25, LatencyMs: 40},
		},
		block: make(chan struct{}),
	}
	r := newTestRunner(st, pr)

	c := prober.Criteria{MinSpeedMbps: 10, MaxLatencyMs: 1000, MaxLossRate: 0.25}

	if err := r.Start(context.Background(), c); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// no waiting here: the winning Start holds the reservation the
	// moment it returns, so a racing second call can never also win
	if err := r.Start(context.Background(), c); !errors.Is(err, ErrScanInProgress) {
		t.Errorf("second Start() error = %v, want ErrScanInProgress", err)
	}
	if _, err := r.Run(context.Background(), c); !errors.Is(err, ErrScanInProgress) {
		t.Errorf("Run() during Start error = %v, want ErrScanInProgress", err)
	}

	close(pr.block)

	deadline := time.Now().Add(5 * time.Second)
	for r.Running() {
		if time.Now().After(deadline) {
			t.Fatal("background scan never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st.mu.Lock()
	upserted := append([]string(nil), st.upserted...)
	st.mu.Unlock()
	if len(upserted) != 1 || upserted[0] != "1.1.1.1" {
		t.Errorf("upserted = %v, want [1.1.1.1]", upserted)
	}

	if err := r.Start(context.Background(), prober.Criteria{MaxLatencyMs: -1}); !errors.Is(err, prober.ErrInvalidCriteria) {
		t.Errorf("Start() with bad criteria error = %v, want ErrInvalidCriteria", err)
	}
}
