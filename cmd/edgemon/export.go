package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgemon/edgemon"
	"github.com/edgemon/edgemon/internal/export"
)

// exportCmd writes the active endpoint pool to stdout or a file.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the active endpoint pool",
	Long: `Export the active endpoints, best average download speed first.

Formats:
  list - one address per line (default)
  csv  - addresses with their aggregate columns

Example:
  edgemon export
  edgemon export -f csv -o endpoints.csv`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringP("config", "c", "", "path to config file")
	exportCmd.Flags().StringP("format", "f", "list", "output format (list or csv)")
	exportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	formatName, _ := cmd.Flags().GetString("format")
	format, err := export.ParseFormat(formatName)
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

	out := os.Stdout
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	return app.Export(context.Background(), out, format)
}
