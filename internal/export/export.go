// Package export projects the endpoint table to external formats.
//
// Exports are purely derived views: they read the listing the store
// produced and never change state.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/edgemon/edgemon/internal/store"
)

// Format selects the output shape.
type Format string

const (
	// FormatList writes one address per line, in listing order.
	FormatList Format = "list"

	// FormatCSV writes the addresses with their aggregate columns.
	FormatCSV Format = "csv"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatList, FormatCSV:
		return Format(s), nil
	case "":
		return FormatList, nil
	default:
		return "", fmt.Errorf("unknown export format %q (expected %q or %q)", s, FormatList, FormatCSV)
	}
}

// Write renders the endpoints to w in the given format, preserving
// their order.
func Write(w io.Writer, format Format, endpoints []store.Endpoint) error {
	switch format {
	case FormatList:
		return writeList(w, endpoints)
	case FormatCSV:
		return writeCSV(w, endpoints)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

func writeList(w io.Writer, endpoints []store.Endpoint) error {
	for _, ep := range endpoints {
		if _, err := fmt.Fprintln(w, ep.Address); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
	}
	return nil
}

func writeCSV(w io.Writer, endpoints []store.Endpoint) error {
	cw := csv.NewWriter(w)
	header := []string{
		"address", "avg_download_mbps", "avg_upload_mbps",
		"avg_latency_ms", "avg_loss_rate", "total_tests", "last_tested",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write export header: %w", err)
	}

	for _, ep := range endpoints {
		lastTested := ""
		if ep.LastTested != nil {
			lastTested = ep.LastTested.UTC().Format("2006-01-02 15:04:05")
		}
		record := []string{
			ep.Address,
			strconv.FormatFloat(ep.AvgDownloadMbps, 'f', 2, 64),
			strconv.FormatFloat(ep.AvgUploadMbps, 'f', 2, 64),
			strconv.FormatFloat(ep.AvgLatencyMs, 'f', 2, 64),
			strconv.FormatFloat(ep.AvgLossRate, 'f', 4, 64),
			strconv.FormatInt(ep.TotalTests, 10),
			lastTested,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write export row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush export: %w", err)
	}
	return nil
}
