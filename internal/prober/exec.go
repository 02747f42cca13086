package prober

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ExecProber drives an external scanner binary.
//
// Each call writes the candidate addresses to a file in the work
// directory, runs the binary with the criteria mapped to its flags,
// and parses the CSV result file it leaves behind. The binary owns all
// network I/O and concurrency; this adapter only translates.
type ExecProber struct {
	// BinaryPath is the scanner executable.
	BinaryPath string

	// WorkDir holds the candidate and result files. Created on demand.
	WorkDir string

	// Ranges is the candidate address space for BulkScan, as CIDR
	// blocks.
	Ranges []string

	// BulkTimeout and BatchTimeout bound the two call shapes. Zero
	// values fall back to the package defaults.
	BulkTimeout  time.Duration
	BatchTimeout time.Duration

	Logger *slog.Logger
}

// BulkScan probes the configured ranges.
func (p *ExecProber) BulkScan(ctx context.Context, c Criteria) ([]Measurement, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	timeout := p.BulkTimeout
	if timeout == 0 {
		timeout = DefaultBulkTimeout
	}

	candidateFile, err := p.writeCandidates("scan_ips.txt", p.Ranges, false)
	if err != nil {
		return nil, err
	}
	resultFile := filepath.Join(p.WorkDir, "scan_result.csv")

	args := []string{
		"-f", candidateFile,
		"-o", resultFile,
		"-n", strconv.Itoa(c.Threads),
		"-dn", strconv.Itoa(c.TestCount),
		"-tl", strconv.FormatFloat(c.MaxLatencyMs, 'f', -1, 64),
		"-tlr", strconv.FormatFloat(c.MaxLossRate, 'f', -1, 64),
		"-sl", strconv.FormatFloat(c.MinSpeedMbps, 'f', -1, 64),
		"-p", "0",
	}
	return p.run(ctx, timeout, args, resultFile)
}

// BatchTest re-tests specific addresses. Single addresses are written
// as host routes (/32 or /128) so the binary treats each one as its
// own block, and -allip disables its random sampling.
func (p *ExecProber) BatchTest(ctx context.Context, addresses []string, c Criteria) ([]Measurement, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, nil
	}
	timeout := p.BatchTimeout
	if timeout == 0 {
		timeout = DefaultBatchTimeout
	}

	candidateFile, err := p.writeCandidates("batch_ips.txt", addresses, true)
	if err != nil {
		return nil, err
	}
	resultFile := filepath.Join(p.WorkDir, "batch_result.csv")

	threads := c.Threads
	if threads > len(addresses) {
		threads = len(addresses)
	}
	args := []string{
		"-f", candidateFile,
		"-o", resultFile,
		"-n", strconv.Itoa(threads),
		"-dn", strconv.Itoa(len(addresses)),
		"-tl", strconv.FormatFloat(c.MaxLatencyMs, 'f', -1, 64),
		"-tlr", strconv.FormatFloat(c.MaxLossRate, 'f', -1, 64),
		"-allip",
		"-p", "0",
	}
	return p.run(ctx, timeout, args, resultFile)
}

// writeCandidates writes one candidate per line. With hostRoutes set,
// bare addresses get a /32 (or /128 for IPv6) suffix.
func (p *ExecProber) writeCandidates(name string, candidates []string, hostRoutes bool) (string, error) {
	if err := os.MkdirAll(p.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}

	var b strings.Builder
	for _, c := range candidates {
		b.WriteString(c)
		if hostRoutes && !strings.Contains(c, "/") {
			if strings.Contains(c, ":") {
				b.WriteString("/128")
			} else {
				b.WriteString("/32")
			}
		}
		b.WriteByte('\n')
	}

	path := filepath.Join(p.WorkDir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write candidate file: %w", err)
	}
	return path, nil
}

func (p *ExecProber) run(ctx context.Context, timeout time.Duration, args []string, resultFile string) ([]Measurement, error) {
	if _, err := os.Stat(p.BinaryPath); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, p.BinaryPath, err)
	}

	// stale results from a previous run must not be mistaken for
	// this call's output
	_ = os.Remove(resultFile)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.BinaryPath, args...)
	cmd.Dir = p.WorkDir

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		// the binary exits non-zero for partial failures but still
		// writes whatever it measured; surface the exit only if there
		// is no result file to fall back on
		if _, statErr := os.Stat(resultFile); statErr != nil {
			return nil, fmt.Errorf("%w: %v: %s", ErrUnavailable, err, strings.TrimSpace(string(out)))
		}
		if p.Logger != nil {
			p.Logger.Warn("prober exited non-zero", "error", err)
		}
	}
	if p.Logger != nil {
		p.Logger.Debug("prober finished", "duration", time.Since(start).String())
	}

	f, err := os.Open(resultFile)
	if err != nil {
		return nil, fmt.Errorf("%w: no result file: %v", ErrUnavailable, err)
	}
	defer f.Close()

	return ParseResults(f), nil
}

// ParseResults reads the prober's CSV output.
//
// Expected columns: address, packets sent, packets received, loss
// rate, latency (ms), download speed (MB/s), and optionally upload
// speed. Header lines and malformed rows are skipped rather than
// failing the whole batch; the prober writes partial files when
// individual probes fail.
func ParseResults(r io.Reader) []Measurement {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var measurements []Measurement
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if len(record) < 6 {
			continue
		}
		// header row
		if _, err := strconv.ParseFloat(strings.TrimSpace(record[4]), 64); err != nil {
			continue
		}

		m := Measurement{Address: strings.TrimSpace(record[0])}
		if m.Address == "" {
			continue
		}
		var bad bool
		for i, dst := range []*float64{&m.LossRate, &m.LatencyMs, &m.DownloadMbps} {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[3+i]), 64)
			if err != nil {
				bad = true
				break
			}
			*dst = v
		}
		if bad {
			continue
		}
		if len(record) > 6 {
			// upload column is optional; a parse failure just leaves it zero
			if v, err := strconv.ParseFloat(strings.TrimSpace(record[6]), 64); err == nil {
				m.UploadMbps = v
			}
		}
		measurements = append(measurements, m)
	}
	return measurements
}
