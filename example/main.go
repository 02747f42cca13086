package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/edgemon/edgemon"
	"github.com/edgemon/edgemon/config"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := config.Default()
	cfg.DBPath = filepath.Join(os.TempDir(), "edgemon-demo.db")
	cfg.Interval = config.Duration(30 * time.Second)

	// mock prober (see mock_prober.go): no scanner binary needed
	app, err := edgemon.New(
		edgemon.WithConfig(cfg),
		edgemon.WithLogger(logger),
		edgemon.WithProber(mockProber{}),
	)
	if err != nil {
		slog.Error("failed to create app", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// seed the endpoint pool with one synthetic discovery scan
	session, err := app.Discover(ctx)
	if err != nil {
		slog.Error("discovery failed", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  Edgemon Demo")
	fmt.Println()
	fmt.Printf("  Seeded %d of %d synthetic candidates\n", session.Accepted, session.Candidates)
	fmt.Println("  API at http://localhost:8080/api/stats")
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	if err := app.Start(ctx); err != nil {
		slog.Error("edgemon error", "error", err)
		os.Exit(1)
	}
}
