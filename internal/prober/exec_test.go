package prober

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCriteria_Validate(t *testing.T) {
	valid := Criteria{MinSpeedMbps: 10, MaxLatencyMs: 1000, MaxLossRate: 0.25, TestCount: 50, Threads: 300}

	tests := []struct {
		name    string
		mutate  func(*Criteria)
		wantErr bool
	}{
		{"valid", func(c *Criteria) {}, false},
		{"zero thresholds allowed for speed", func(c *Criteria) { c.MinSpeedMbps = 0 }, false},
		{"negative min speed", func(c *Criteria) { c.MinSpeedMbps = -1 }, true},
		{"zero max latency", func(c *Criteria) { c.MaxLatencyMs = 0 }, true},
		{"negative max latency", func(c *Criteria) { c.MaxLatencyMs = -5 }, true},
		{"loss rate above one", func(c *Criteria) { c.MaxLossRate = 1.5 }, true},
		{"negative loss rate", func(c *Criteria) { c.MaxLossRate = -0.1 }, true},
		{"negative test count", func(c *Criteria) { c.TestCount = -1 }, true},
		{"negative threads", func(c *Criteria) { c.Threads = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCriteria) {
					t.Errorf("Validate() error = %v, want ErrInvalidCriteria", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
		})
	}
}

func TestCriteria_Accepts(t *testing.T) {
	c := Criteria{MinSpeedMbps: 10, MaxLatencyMs: 1000, MaxLossRate: 0.25}

	tests := []struct {
		name string
		m    Measurement
		want bool
	}{
		{"all thresholds met", Measurement{DownloadMbps: 15, LatencyMs: 200, LossRate: 0.1}, true},
		{"boundary values pass", Measurement{DownloadMbps: 10, LatencyMs: 1000, LossRate: 0.25}, true},
		{"too slow", Measurement{DownloadMbps: 9.9, LatencyMs: 200, LossRate: 0}, false},
		{"too laggy", Measurement{DownloadMbps: 50, LatencyMs: 1001, LossRate: 0}, false},
		{"too lossy", Measurement{DownloadMbps: 50, LatencyMs: 200, LossRate: 0.3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Accepts(tt.m); got != tt.want {
				t.Errorf("Accepts(%+v) = %v, want %v", tt.m, got, tt.want)
			}
		})
	}
}

func TestParseResults(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Measurement
	}{
		{
			name: "header skipped, rows parsed",
			input: "IP,Sent,Received,Loss,Latency,Speed\n" +
				"1.1.1.1,4,4,0.00,42.5,25.30\n" +
				"1.0.0.1,4,3,0.25,88.1,11.00\n",
			want: []Measurement{
				{Address: "1.1.1.1", LossRate: 0, LatencyMs: 42.5, DownloadMbps: 25.3},
				{Address: "1.0.0.1", LossRate: 0.25, LatencyMs: 88.1, DownloadMbps: 11},
			},
		},
		{
			name: "upload column picked up when present",
			input: "2606:4700::1,4,4,0,30,20,8.5\n",
			want: []Measurement{
				{Address: "2606:4700::1", LatencyMs: 30, DownloadMbps: 20, UploadMbps: 8.5},
			},
		},
		{
			name: "malformed rows skipped",
			input: "1.1.1.1,4,4,0,not-a-number,20\n" +
				"short,row\n" +
				"\n" +
				"1.0.0.1,4,4,0,50,30\n",
			want: []Measurement{
				{Address: "1.0.0.1", LatencyMs: 50, DownloadMbps: 30},
			},
		},
		{
			name:  "empty input",
			input: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseResults(strings.NewReader(tt.input))
			if len(got) != len(tt.want) {
				t.Fatalf("ParseResults() returned %d measurements, want %d: %+v", len(got), len(tt.want), got)
			}
			for i, m := range got {
				if m != tt.want[i] {
					t.Errorf("measurement[%d] = %+v, want %+v", i, m, tt.want[i])
				}
			}
		})
	}
}

func TestExecProber_MissingBinary(t *testing.T) {
	p := &ExecProber{
		BinaryPath: filepath.Join(t.TempDir(), "does-not-exist"),
		WorkDir:    t.TempDir(),
		Ranges:     []string{"1.1.1.0/24"},
	}

	c := Criteria{MaxLatencyMs: 1000, MaxLossRate: 0.25}
	if _, err := p.BulkScan(context.Background(), c); !errors.Is(err, ErrUnavailable) {
		t.Errorf("BulkScan() error = %v, want ErrUnavailable", err)
	}
	if _, err := p.BatchTest(context.Background(), []string{"1.1.1.1"}, c); !errors.Is(err, ErrUnavailable) {
		t.Errorf("BatchTest() error = %v, want ErrUnavailable", err)
	}
}

func TestExecProber_InvalidCriteriaBeforeAnyCall(t *testing.T) {
	p := &ExecProber{BinaryPath: "unused", WorkDir: t.TempDir()}

	_, err := p.BulkScan(context.Background(), Criteria{MaxLatencyMs: -1})
	if !errors.Is(err, ErrInvalidCriteria) {
		t.Errorf("BulkScan() error = %v, want ErrInvalidCriteria", err)
	}
}

func TestExecProber_BatchTestEmptyAddresses(t *testing.T) {
	p := &ExecProber{BinaryPath: "unused", WorkDir: t.TempDir()}

	got, err := p.BatchTest(context.Background(), nil, Criteria{MaxLatencyMs: 1000})
	if err != nil {
		t.Fatalf("BatchTest() error = %v", err)
	}
	if got != nil {
		t.Errorf("BatchTest() = %+v, want nil for empty input", got)
	}
}

func TestWriteCandidates_HostRoutes(t *testing.T) {
	p := &ExecProber{WorkDir: t.TempDir()}

	path, err := p.writeCandidates("ips.txt", []string{"1.1.1.1", "2606:4700::1", "10.0.0.0/8"}, true)
	if err != nil {
		t.Fatalf("writeCandidates() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read candidate file: %v", err)
	}
	want := "1.1.1.1/32\n2606:4700::1/128\n10.0.0.0/8\n"
	if string(data) != want {
		t.Errorf("candidate file = %q, want %q", string(data), want)
	}
}
