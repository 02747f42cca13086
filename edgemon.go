package edgemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgemon/edgemon/config"
	"github.com/edgemon/edgemon/internal/discovery"
	"github.com/edgemon/edgemon/internal/export"
	"github.com/edgemon/edgemon/internal/monitor"
	"github.com/edgemon/edgemon/internal/prober"
	"github.com/edgemon/edgemon/internal/server"
	"github.com/edgemon/edgemon/internal/store"
)

// App is the main orchestrator for the measurement engine.
//
// App wires the store, the prober adapter, the periodic monitor, the
// discovery runner and the HTTP API together. It is created with [New]
// and functional options; the typical service lifecycle is:
//
//	app, err := edgemon.New(edgemon.WithConfig(cfg))
//	if err != nil {
//	    slog.Error("failed to create app", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	app.Start(ctx) // blocks until context cancelled
//
// The one-shot entry points [App.Discover] and [App.Export] serve the
// CLI subcommands; they open and close their resources per call.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	prober    prober.Prober
	store     store.Store
	registry  *prometheus.Registry
	autostart bool
}

// New creates a new [App] with the given options.
//
// Without options the built-in defaults from [config.Default] apply.
// Returns an error if an option is invalid.
func New(opts ...Option) (*App, error) {
	cfg := &appConfig{
		config:    config.Default(),
		autostart: true,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &App{
		cfg:       cfg.config,
		logger:    logger,
		prober:    cfg.prober,
		store:     cfg.store,
		registry:  registry,
		autostart: cfg.autostart,
	}, nil
}

// openStore returns the injected store or opens the configured SQLite
// database. The second return value reports whether the caller owns
// the store and must close it.
func (a *App) openStore() (store.Store, bool, error) {
	if a.store != nil {
		return a.store, false, nil
	}
	st, err := store.Open(a.cfg.DBPath)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open store: %w", err)
	}
	return st, true, nil
}

// buildProber returns the injected prober or the exec adapter for the
// configured scanner binary.
func (a *App) buildProber() prober.Prober {
	if a.prober != nil {
		return a.prober
	}
	return &prober.ExecProber{
		BinaryPath:   a.cfg.Scanner.Binary,
		WorkDir:      a.cfg.Scanner.WorkDir,
		Ranges:       a.cfg.Scanner.Ranges,
		BulkTimeout:  a.cfg.Scanner.BulkTimeout.Duration(),
		BatchTimeout: a.cfg.Scanner.BatchTimeout.Duration(),
		Logger:       a.logger,
	}
}

func criteria(cc config.CriteriaConfig) prober.Criteria {
	return prober.Criteria{
		MinSpeedMbps: cc.MinSpeedMbps,
		MaxLatencyMs: cc.MaxLatencyMs,
		MaxLossRate:  cc.MaxLossRate,
		TestCount:    cc.TestCount,
		Threads:      cc.Threads,
	}
}

// Start runs the full service: periodic monitoring plus the
// query/control API.
//
// Start is a blocking call that runs until the provided context is
// cancelled. The monitor begins cycling immediately unless
// [WithAutostart] disabled it; either way it can be controlled at
// runtime through the API. Returns an error if the store cannot be
// opened or the HTTP server fails to start.
func (a *App) Start(ctx context.Context) error {
	st, owned, err := a.openStore()
	if err != nil {
		return err
	}
	if owned {
		defer func() {
			if err := st.Close(); err != nil {
				a.logger.Error("failed to close store", "error", err)
			}
		}()
	}

	pr := a.buildProber()

	mon := monitor.New(st, pr, monitor.Config{
		MaxPerCycle:   a.cfg.MaxPerCycle,
		Criteria:      criteria(a.cfg.Monitor),
		RetentionDays: a.cfg.RetentionDays,
	}, a.logger, a.registry)

	disc := discovery.NewRunner(st, pr, a.logger, a.registry)

	srv := server.NewServer(st, mon, disc, server.Config{
		Port:         a.cfg.Port,
		Interval:     a.cfg.Interval.Duration(),
		ScanCriteria: criteria(a.cfg.Scan),
	}, a.registry, a.logger)

	if a.autostart {
		mon.Start(ctx, a.cfg.Interval.Duration())
	}

	a.logger.Info("edgemon starting",
		"port", a.cfg.Port,
		"interval", a.cfg.Interval.Duration().String(),
		"db", a.cfg.DBPath,
	)

	if err := srv.Start(ctx); err != nil {
		mon.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	<-ctx.Done()

	// Stop waits for the in-flight cycle to finish, so no partially
	// recorded batches are left behind.
	mon.Stop()

	a.logger.Info("edgemon stopped")
	return nil
}

// Discover runs one discovery scan with the configured criteria and
// returns the closed session summary.
func (a *App) Discover(ctx context.Context) (store.ScanSession, error) {
	st, owned, err := a.openStore()
	if err != nil {
		return store.ScanSession{}, err
	}
	if owned {
		defer st.Close()
	}

	runner := discovery.NewRunner(st, a.buildProber(), a.logger, a.registry)
	return runner.Run(ctx, criteria(a.cfg.Scan))
}

// Stats returns the overall pool statistics: totals, fleet averages,
// top endpoints and recent scan sessions.
func (a *App) Stats(ctx context.Context) (store.Stats, error) {
	st, owned, err := a.openStore()
	if err != nil {
		return store.Stats{}, err
	}
	if owned {
		defer st.Close()
	}
	return st.Stats(ctx)
}

// Export writes the active endpoint listing to w in the given format.
func (a *App) Export(ctx context.Context, w io.Writer, format export.Format) error {
	st, owned, err := a.openStore()
	if err != nil {
		return err
	}
	if owned {
		defer st.Close()
	}

	endpoints, err := st.ListEndpoints(ctx, store.ListFilter{
		ActiveOnly: true,
		SortBy:     "avg_download_mbps",
		SortDesc:   true,
	})
	if err != nil {
		return err
	}
	return export.Write(w, format, endpoints)
}
