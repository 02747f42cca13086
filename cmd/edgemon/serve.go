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

const (
	shutdownTimeout = 10 * time.Second
)

// serveCmd runs the monitoring service.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring service",
	Long: `Run the edgemon monitoring service.

The service will:
  - Load configuration from the specified YAML file (or use defaults)
  - Periodically re-test the stalest known endpoints
  - Serve the query/control HTTP API on the configured port

The service runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  edgemon serve
  edgemon serve -c config.yaml
  edgemon serve -c config.yaml --no-monitor`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file")
	serveCmd.Flags().Bool("no-monitor", false, "start with the monitor idle")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	noMonitor, _ := cmd.Flags().GetBool("no-monitor")

	logger.Info("config loaded",
		"port", cfg.Port,
		"db", cfg.DBPath,
		"interval", cfg.Interval.Duration().String(),
	)

	app, err := edgemon.New(
		edgemon.WithConfig(cfg),
		edgemon.WithLogger(logger),
		edgemon.WithAutostart(!noMonitor),
	)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// start service - blocks until context cancelled
	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Start(ctx)
	}()

	// wait for service to finish
	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("service error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("service error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
