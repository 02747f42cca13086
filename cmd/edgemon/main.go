// Package main is the entry point for the edgemon CLI.
//
// Edgemon can be run either as a library or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary
// approach.
//
// Usage:
//
//	edgemon serve -c config.yaml    # Run the monitoring service
//	edgemon scan -c config.yaml     # Run a one-shot discovery scan
//	edgemon export -f csv           # Export the endpoint pool
//	edgemon validate -c config.yaml # Validate configuration
//	edgemon version                 # Show version info
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgemon/edgemon/config"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "edgemon",
	Short: "Cloudflare edge address discovery and monitoring",
	Long: `Edgemon discovers well-performing Cloudflare edge addresses and
keeps monitoring them over time.

Measurement is delegated to an external scanner binary; edgemon keeps
the results in SQLite, maintains per-address aggregates and serves a
query/control HTTP API.

Quick start:
  1. Place the scanner binary where the config points (default
     scanner/CloudflareScanner)
  2. Run: edgemon scan           # seed the endpoint pool
  3. Run: edgemon serve          # monitor and serve the API
  4. Open http://localhost:8080/api/stats`,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// newLogger creates a JSON logger for CLI use.
func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// loadConfig reads the -c/--config flag. An empty flag yields the
// built-in defaults so the binary works without a config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	if configFile == "" {
		return config.Default(), nil
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this edgemon binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("edgemon %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}
