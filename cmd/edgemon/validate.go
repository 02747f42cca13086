package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgemon/edgemon/config"
)

// validateCmd validates a config file without starting the service.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate an edgemon configuration file without starting the service.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  edgemon validate -c config.yaml
  edgemon validate --config /etc/edgemon/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Port:           %d\n", cfg.Port)
	fmt.Printf("  Database:       %s\n", cfg.DBPath)
	fmt.Printf("  Interval:       %s\n", cfg.Interval.Duration())
	fmt.Printf("  Max per cycle:  %d\n", cfg.MaxPerCycle)
	fmt.Printf("  Retention days: %d\n", cfg.RetentionDays)
	fmt.Printf("  Scanner binary: %s\n", cfg.Scanner.Binary)
	fmt.Printf("  Scan ranges:    %d\n", len(cfg.Scanner.Ranges))

	return nil
}
