package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgemon/edgemon"
)

// scanCmd runs a one-shot discovery scan.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a one-shot discovery scan",
	Long: `Run one discovery scan over the configured address ranges and store
the addresses that meet the acceptance criteria.

Criteria flags override the config file values for this run only.
A bulk scan over the full Cloudflare ranges can take a long time;
Ctrl+C aborts it and closes the scan session empty.

Example:
  edgemon scan
  edgemon scan -c config.yaml --min-speed 15 --max-latency 500`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringP("config", "c", "", "path to config file")
	scanCmd.Flags().Float64("min-speed", 0, "minimum download speed in MB/s")
	scanCmd.Flags().Float64("max-latency", 0, "maximum average latency in ms")
	scanCmd.Flags().Float64("max-loss", -1, "maximum packet loss rate (0-1)")
	scanCmd.Flags().Int("test-count", 0, "how many addresses to speed-test")
	scanCmd.Flags().Int("threads", 0, "latency test concurrency")
}

func runScan(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetFloat64("min-speed"); cmd.Flags().Changed("min-speed") {
		cfg.Scan.MinSpeedMbps = v
	}
	if v, _ := cmd.Flags().GetFloat64("max-latency"); cmd.Flags().Changed("max-latency") {
		cfg.Scan.MaxLatencyMs = v
	}
	if v, _ := cmd.Flags().GetFloat64("max-loss"); cmd.Flags().Changed("max-loss") {
		cfg.Scan.MaxLossRate = v
	}
	if v, _ := cmd.Flags().GetInt("test-count"); cmd.Flags().Changed("test-count") {
		cfg.Scan.TestCount = v
	}
	if v, _ := cmd.Flags().GetInt("threads"); cmd.Flags().Changed("threads") {
		cfg.Scan.Threads = v
	}

	app, err := edgemon.New(
		edgemon.WithConfig(cfg),
		edgemon.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting discovery scan",
		"min_speed_mbps", cfg.Scan.MinSpeedMbps,
		"max_latency_ms", cfg.Scan.MaxLatencyMs,
		"max_loss_rate", cfg.Scan.MaxLossRate,
	)

	session, err := app.Discover(ctx)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	duration := ""
	if session.EndedAt != nil {
		duration = session.EndedAt.Sub(session.StartedAt).Round(time.Second).String()
	}

	fmt.Printf("Scan complete (session %s)\n", session.ID)
	fmt.Printf("  Candidates tested: %d\n", session.Candidates)
	fmt.Printf("  Accepted:          %d\n", session.Accepted)
	if duration != "" {
		fmt.Printf("  Duration:          %s\n", duration)
	}

	return nil
}
