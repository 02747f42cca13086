package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgemon/edgemon"
)

// statusCmd prints a pool summary straight from the database.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show endpoint pool statistics",
	Long: `Show the current state of the endpoint pool: totals, fleet
averages and the best-performing endpoints.

The summary is read directly from the database, so it works whether or
not a serve process is running.

Example:
  edgemon status
  edgemon status -c config.yaml`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringP("config", "c", "", "path to config file")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	app, err := edgemon.New(
		edgemon.WithConfig(cfg),
		edgemon.WithLogger(newLogger()),
	)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	stats, err := app.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Endpoint pool:\n")
	fmt.Printf("  Active endpoints: %d\n", stats.TotalActive)
	fmt.Printf("  Total tests:      %d\n", stats.TotalTests)
	fmt.Printf("  Tests today:      %d\n", stats.TestsToday)
	fmt.Printf("Fleet averages:\n")
	fmt.Printf("  Latency:  %.1f ms\n", stats.AvgLatencyMs)
	fmt.Printf("  Download: %.2f Mbps\n", stats.AvgDownloadMbps)
	fmt.Printf("  Loss:     %.2f%%\n", stats.AvgLossRate*100)
	fmt.Printf("Best observed:\n")
	fmt.Printf("  Latency:  %.1f ms\n", stats.BestLatencyMs)
	fmt.Printf("  Download: %.2f Mbps\n", stats.BestDownloadMbps)

	if len(stats.TopEndpoints) > 0 {
		fmt.Printf("Top endpoints:\n")
		for _, ep := range stats.TopEndpoints {
			fmt.Printf("  %-39s %8.2f Mbps  %6.1f ms\n",
				ep.Address, ep.AvgDownloadMbps, ep.AvgLatencyMs)
		}
	}
	if n := len(stats.RecentSessions); n > 0 {
		fmt.Printf("Recent scan sessions: %d\n", n)
	}

	return nil
}
