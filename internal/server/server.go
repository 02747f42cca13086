package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgemon/edgemon/internal/discovery"
	"github.com/edgemon/edgemon/internal/export"
	"github.com/edgemon/edgemon/internal/monitor"
	"github.com/edgemon/edgemon/internal/prober"
	"github.com/edgemon/edgemon/internal/store"
)

const (
	// shutdownTimeout bounds the graceful drain of in-flight requests.
	shutdownTimeout = 5 * time.Second

	defaultHistoryLimit = 100
	defaultHourlyHours  = 24
	defaultListLimit    = 100
	maxListLimit        = 1000
)

// Server is the query/control HTTP façade.
//
// It holds no state of its own: every read maps to a store read and
// every control operation to a monitor or discovery transition, so
// concurrent callers always observe the current underlying state.
type Server struct {
	store     store.Store
	monitor   *monitor.Monitor
	discovery *discovery.Runner

	port         int
	interval     time.Duration
	scanCriteria prober.Criteria

	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	httpServer *http.Server

	// baseCtx outlives individual requests; control operations that
	// spawn background work (monitor start, discovery) hang off it
	// rather than the request context.
	baseCtx context.Context
}

// Config carries the server's wiring.
type Config struct {
	Port int

	// Interval is the default monitoring interval used when a start
	// request does not specify one.
	Interval time.Duration

	// ScanCriteria is the default criteria for discovery runs.
	ScanCriteria prober.Criteria
}

// NewServer creates the API server.
func NewServer(st store.Store, mon *monitor.Monitor, disc *discovery.Runner, cfg Config, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	return &Server{
		store:        st,
		monitor:      mon,
		discovery:    disc,
		port:         cfg.Port,
		interval:     cfg.Interval,
		scanCriteria: cfg.ScanCriteria,
		gatherer:     gatherer,
		logger:       logger,
	}
}

// Start begins serving in a background goroutine.
//
// Start is non-blocking and returns once the listener is bound, so
// callers learn about port conflicts synchronously. The server shuts
// down gracefully when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/ips", s.handleListEndpoints)
	mux.HandleFunc("GET /api/ips/{address}", s.handleEndpointDetail)
	mux.HandleFunc("GET /api/ips/{address}/history", s.handleHistory)
	mux.HandleFunc("POST /api/ips/{address}/deactivate", s.handleDeactivate)
	mux.HandleFunc("GET /api/hourly", s.handleHourly)
	mux.HandleFunc("GET /api/scans", s.handleListScans)
	mux.HandleFunc("POST /api/scan", s.handleScan)
	mux.HandleFunc("GET /api/monitor/status", s.handleMonitorStatus)
	mux.HandleFunc("POST /api/monitor/start", s.handleMonitorStart)
	mux.HandleFunc("POST /api/monitor/stop", s.handleMonitorStop)
	mux.HandleFunc("POST /api/monitor/trigger", s.handleMonitorTrigger)
	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{
		Handler: mux,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

// errorBody is the JSON error envelope. The code field lets the
// presentation layer distinguish failure classes (retry guidance vs
// configuration error) without string matching.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps an error to its distinguishable response.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{"not_found", err.Error()})
	case errors.Is(err, prober.ErrInvalidCriteria):
		s.writeJSON(w, http.StatusBadRequest, errorBody{"invalid_criteria", err.Error()})
	case errors.Is(err, discovery.ErrScanInProgress):
		s.writeJSON(w, http.StatusConflict, errorBody{"scan_in_progress", err.Error()})
	case errors.Is(err, monitor.ErrNotRunning):
		s.writeJSON(w, http.StatusConflict, errorBody{"monitor_idle", err.Error()})
	case errors.Is(err, prober.ErrTimeout):
		s.writeJSON(w, http.StatusBadGateway, errorBody{"prober_timeout", err.Error()})
	case errors.Is(err, prober.ErrUnavailable):
		s.writeJSON(w, http.StatusBadGateway, errorBody{"prober_unavailable", err.Error()})
	default:
		s.logger.Error("storage error", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{"storage_error", err.Error()})
	}
}

func (s *Server) badRequest(w http.ResponseWriter, format string, args ...any) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{"bad_request", fmt.Sprintf(format, args...)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.ListFilter{
		ActiveOnly: q.Get("active") != "false",
		Search:     q.Get("search"),
		SortBy:     q.Get("sort"),
		SortDesc:   q.Get("order") != "asc",
		Limit:      defaultListLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			s.badRequest(w, "limit must be an integer within [1, %d]", maxListLimit)
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.badRequest(w, "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}

	endpoints, err := s.store.ListEndpoints(r.Context(), f)
	if err != nil {
		if errors.Is(err, store.ErrInvalidSort) {
			s.badRequest(w, "%v (valid columns: %v)", err, store.SortColumns())
			return
		}
		s.writeError(w, err)
		return
	}
	if endpoints == nil {
		endpoints = []store.Endpoint{}
	}
	s.writeJSON(w, http.StatusOK, endpoints)
}

func (s *Server) handleEndpointDetail(w http.ResponseWriter, r *http.Request) {
	ep, err := s.store.GetEndpoint(r.Context(), r.PathValue("address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if _, err := s.store.GetEndpoint(r.Context(), address); err != nil {
		s.writeError(w, err)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	history, err := s.store.GetHistory(r.Context(), address, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if history == nil {
		history = []store.TestResult{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if _, err := s.store.GetEndpoint(r.Context(), address); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeactivateEndpoint(r.Context(), address); err != nil {
		s.writeError(w, err)
		return
	}
	ep, err := s.store.GetEndpoint(r.Context(), address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	hours := defaultHourlyHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.badRequest(w, "hours must be a positive integer")
			return
		}
		hours = n
	}

	stats, err := s.store.GetHourlyStats(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if stats == nil {
		stats = []store.HourlyStat{}
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListScanSessions(r.Context(), 20)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []store.ScanSession{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

// scanRequest overrides the default discovery criteria. Absent fields
// keep their configured defaults.
type scanRequest struct {
	MinSpeedMbps *float64 `json:"min_speed_mbps"`
	MaxLatencyMs *float64 `json:"max_latency_ms"`
	MaxLossRate  *float64 `json:"max_loss_rate"`
	TestCount    *int     `json:"test_count"`
	Threads      *int     `json:"threads"`
}

// handleScan launches a discovery run in the background. Bulk scans
// can take the better part of an hour, so the handler validates and
// rejects synchronously but does not wait for the result; progress is
// visible through /api/scans.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	c := s.scanCriteria
	if r.Body != nil && r.ContentLength != 0 {
		var req scanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.badRequest(w, "invalid request body: %v", err)
			return
		}
		if req.MinSpeedMbps != nil {
			c.MinSpeedMbps = *req.MinSpeedMbps
		}
		if req.MaxLatencyMs != nil {
			c.MaxLatencyMs = *req.MaxLatencyMs
		}
		if req.MaxLossRate != nil {
			c.MaxLossRate = *req.MaxLossRate
		}
		if req.TestCount != nil {
			c.TestCount = *req.TestCount
		}
		if req.Threads != nil {
			c.Threads = *req.Threads
		}
	}

	// Start reserves the runner before returning, so of two racing
	// requests exactly one gets the 202 and the other the 409.
	if err := s.discovery.Start(s.baseCtx, c); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan started"})
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.Status())
}

// handleMonitorStart starts the cycle loop. Starting an already
// running monitor is a no-op that reports the current state, so the
// operation is idempotent.
func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	interval := s.interval
	if v := r.URL.Query().Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < time.Second {
			s.badRequest(w, "interval must be a duration of at least 1s")
			return
		}
		interval = d
	}

	s.monitor.Start(s.baseCtx, interval)
	s.writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	s.monitor.Stop()
	s.writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMonitorTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.TriggerNow(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.badRequest(w, "%v", err)
		return
	}

	endpoints, err := s.store.ListEndpoints(r.Context(), store.ListFilter{
		ActiveOnly: true,
		SortBy:     "avg_download_mbps",
		SortDesc:   true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	switch format {
	case export.FormatCSV:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="endpoints.csv"`)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	if err := export.Write(w, format, endpoints); err != nil {
		s.logger.Error("failed to write export", "error", err)
	}
}
