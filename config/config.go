// Package config provides YAML configuration parsing for edgemon.
//
// Example configuration:
//
//	port: 8080
//	db_path: data/edgemon.db
//	interval: 2m
//	max_ips_per_cycle: 20
//	retention_days: 30
//
//	scanner:
//	  binary: scanner/CloudflareScanner
//	  work_dir: data
//
//	scan:
//	  min_speed_mbps: 10
//	  max_latency_ms: 1000
//	  max_loss_rate: 0.25
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// minInterval is the minimum allowed monitoring interval. This
// prevents accidental DoS of the probed endpoints with overly
// aggressive re-testing.
const minInterval = 30 * time.Second

// DefaultRanges is the candidate address space for discovery scans:
// the published Cloudflare anycast ranges.
var DefaultRanges = []string{
	"173.245.48.0/20",
	"103.21.244.0/22",
	"103.22.200.0/22",
	"103.31.4.0/22",
	"141.101.64.0/18",
	"108.162.192.0/18",
	"190.93.240.0/20",
	"188.114.96.0/20",
	"197.234.240.0/22",
	"198.41.128.0/17",
	"162.158.0.0/15",
	"104.16.0.0/13",
	"104.24.0.0/14",
	"172.64.0.0/13",
	"131.0.72.0/22",
	"2400:cb00::/32",
	"2606:4700::/32",
	"2803:f800::/32",
	"2405:b500::/32",
	"2405:8100::/32",
	"2a06:98c0::/29",
	"2c0f:f248::/32",
}

// Config is the root configuration structure.
//
// It maps directly to the YAML configuration file. Use [Load] or
// [Parse] to create one, or [Default] for the built-in defaults.
type Config struct {
	// Port is the HTTP API port. Defaults to 8080.
	Port int `yaml:"port"`

	// DBPath is the SQLite database file. Defaults to
	// "data/edgemon.db". Supports ${VAR} and ${VAR:-default}
	// environment substitution.
	DBPath string `yaml:"db_path"`

	// Interval is the time between periodic test cycles.
	// Defaults to 2m; minimum 30s.
	Interval Duration `yaml:"interval"`

	// MaxPerCycle caps how many endpoints one cycle re-tests.
	// Defaults to 20.
	MaxPerCycle int `yaml:"max_ips_per_cycle"`

	// RetentionDays is how long test results are kept. Defaults to 30.
	RetentionDays int `yaml:"retention_days"`

	// Scanner configures the external prober binary.
	Scanner ScannerConfig `yaml:"scanner"`

	// Scan is the acceptance criteria for discovery runs.
	Scan CriteriaConfig `yaml:"scan"`

	// Monitor is the criteria for periodic re-tests.
	Monitor CriteriaConfig `yaml:"monitor"`
}

// ScannerConfig locates and bounds the external scanner binary.
type ScannerConfig struct {
	// Binary is the scanner executable path. Supports environment
	// substitution.
	Binary string `yaml:"binary"`

	// WorkDir holds candidate and result files. Supports environment
	// substitution.
	WorkDir string `yaml:"work_dir"`

	// Ranges overrides the candidate address space for discovery.
	// Defaults to the Cloudflare anycast ranges.
	Ranges []string `yaml:"ranges"`

	// BulkTimeout bounds a discovery scan; defaults to 1h.
	BulkTimeout Duration `yaml:"bulk_timeout"`

	// BatchTimeout bounds a periodic batch test; defaults to 5m.
	BatchTimeout Duration `yaml:"batch_timeout"`
}

// CriteriaConfig is the YAML shape of prober acceptance criteria.
type CriteriaConfig struct {
	MinSpeedMbps float64 `yaml:"min_speed_mbps"`
	MaxLatencyMs float64 `yaml:"max_latency_ms"`
	MaxLossRate  float64 `yaml:"max_loss_rate"`
	TestCount    int     `yaml:"test_count"`
	Threads      int     `yaml:"threads"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:          8080,
		DBPath:        "data/edgemon.db",
		Interval:      Duration(2 * time.Minute),
		MaxPerCycle:   20,
		RetentionDays: 30,
		Scanner: ScannerConfig{
			Binary:       "scanner/CloudflareScanner",
			WorkDir:      "data",
			Ranges:       DefaultRanges,
			BulkTimeout:  Duration(1 * time.Hour),
			BatchTimeout: Duration(5 * time.Minute),
		},
		Scan: CriteriaConfig{
			MinSpeedMbps: 10,
			MaxLatencyMs: 1000,
			MaxLossRate:  0.25,
			TestCount:    50,
			Threads:      300,
		},
		Monitor: CriteriaConfig{
			MinSpeedMbps: 0,
			MaxLatencyMs: 1000,
			MaxLossRate:  1,
			TestCount:    0,
			Threads:      100,
		},
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with
// environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data. Unset fields fall back to the
// [Default] values, paths get environment substitution, and the result
// is validated.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expandAndValidate expands environment variables and validates the
// config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Interval.Duration() < minInterval {
		return fmt.Errorf("interval must be at least %s, got %s", minInterval, c.Interval.Duration())
	}
	if c.MaxPerCycle < 1 {
		return fmt.Errorf("max_ips_per_cycle must be positive, got %d", c.MaxPerCycle)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be positive, got %d", c.RetentionDays)
	}

	for name, field := range map[string]*string{
		"db_path":          &c.DBPath,
		"scanner.binary":   &c.Scanner.Binary,
		"scanner.work_dir": &c.Scanner.WorkDir,
	} {
		expanded, err := expandEnvVars(*field)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if expanded == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
		*field = expanded
	}

	for name, cc := range map[string]CriteriaConfig{"scan": c.Scan, "monitor": c.Monitor} {
		if cc.MinSpeedMbps < 0 {
			return fmt.Errorf("%s.min_speed_mbps must not be negative, got %v", name, cc.MinSpeedMbps)
		}
		if cc.MaxLatencyMs <= 0 {
			return fmt.Errorf("%s.max_latency_ms must be positive, got %v", name, cc.MaxLatencyMs)
		}
		if cc.MaxLossRate < 0 || cc.MaxLossRate > 1 {
			return fmt.Errorf("%s.max_loss_rate must be within [0, 1], got %v", name, cc.MaxLossRate)
		}
	}

	return nil
}
