package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultTarget            = "http://localhost:8000"
	DefaultUsers             = 100
	DefaultStagger           = 50 * time.Millisecond
	DefaultObserve           = 120 * time.Second
	DefaultCreationPoll      = 5 * time.Second
	DefaultProgressInterval  = 30 * time.Second
	DefaultFirstWriteDelay   = 2 * time.Second
	DefaultWriteIntervalMin  = 3 * time.Second
	DefaultWriteIntervalMax  = 8 * time.Second
	DefaultInflightGrace     = 5 * time.Second
	DefaultSlowThreshold     = 5 * time.Second
	DefaultVerySlowThreshold = 10 * time.Second
	DefaultErrorLog          = "error-log.txt"
	DefaultLogLevel          = "info"

	// userIDSpace is the size of the [100000, 999999] ID range.
	userIDSpace = 900000
)

type Config struct {
	TargetURL         string            `mapstructure:"target"`
	Headers           map[string]string `mapstructure:"headers"`
	Users             int               `mapstructure:"users"`
	Stagger           time.Duration     `mapstructure:"stagger"`
	Observe           time.Duration     `mapstructure:"observe"`
	CreationPoll      time.Duration     `mapstructure:"creation_poll"`
	ProgressInterval  time.Duration     `mapstructure:"progress_interval"`
	FirstWriteDelay   time.Duration     `mapstructure:"first_write_delay"`
	WriteIntervalMin  time.Duration     `mapstructure:"write_interval_min"`
	WriteIntervalMax  time.Duration     `mapstructure:"write_interval_max"`
	InflightGrace     time.Duration     `mapstructure:"inflight_grace"`
	SlowThreshold     time.Duration     `mapstructure:"slow_threshold"`
	VerySlowThreshold time.Duration     `mapstructure:"very_slow_threshold"`
	ErrorLog          string            `mapstructure:"error_log"`
	UniqueIDs         bool              `mapstructure:"unique_ids"`
	Seed              int64             `mapstructure:"seed"`
	JSONOutput        bool              `mapstructure:"json_output"`
	SummaryFile       string            `mapstructure:"summary_file"`
	Dashboard         bool              `mapstructure:"dashboard"`
	MetricsAddr       string            `mapstructure:"metrics_addr"`
	HistoryDB         string            `mapstructure:"history_db"`
	ProbeConnected    bool              `mapstructure:"probe_connected"`
	LogLevel          string            `mapstructure:"log_level"`
	Paths             PathsConfig       `mapstructure:"paths"`
	Tracing           TracingConfig     `mapstructure:"tracing"`
	ConfigFile        string            `mapstructure:"-"`
}

// PathsConfig overrides endpoint locations on the target.
type PathsConfig struct {
	Stream    string `mapstructure:"stream"`
	Write     string `mapstructure:"write"`
	Connected string `mapstructure:"connected"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"` // "grpc" or "http"
	ServiceName string  `mapstructure:"service_name"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	// Propagate overrides whether traceparent headers are sent; nil follows Enabled.
	Propagate *bool `mapstructure:"propagate"`
}

// Enabled reports whether an exporter endpoint is configured, directly or
// through OTEL_EXPORTER_OTLP_ENDPOINT.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string
	var warnings []string

	if strings.TrimSpace(c.TargetURL) == "" {
		issues = append(issues, "target is required (use --help for usage information)")
	} else if u, err := url.Parse(c.TargetURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		issues = append(issues, fmt.Sprintf("target %q must be an absolute http or https URL", c.TargetURL))
	}

	if c.Users < 1 {
		issues = append(issues, "users must be >= 1")
	}
	if c.UniqueIDs && c.Users > userIDSpace {
		issues = append(issues, fmt.Sprintf("users must be <= %d when unique ids are enforced", userIDSpace))
	}
	if c.Users > 5000 {
		warnings = append(warnings, fmt.Sprintf("WARNING: High user count configured (%d sessions). Ensure you have authorization to test the target system.", c.Users))
	}

	if c.Stagger < 0 {
		issues = append(issues, "stagger must be >= 0")
	}
	if c.Observe <= 0 {
		issues = append(issues, "observe must be > 0")
	}
	if c.CreationPoll <= 0 {
		issues = append(issues, "creation-poll must be > 0")
	}
	if c.ProgressInterval <= 0 {
		issues = append(issues, "progress-interval must be > 0")
	}
	if c.FirstWriteDelay < 0 {
		issues = append(issues, "first-write-delay must be >= 0")
	}
	if c.WriteIntervalMin <= 0 {
		issues = append(issues, "write-interval-min must be > 0")
	}
	if c.WriteIntervalMax < c.WriteIntervalMin {
		issues = append(issues, "write-interval-max must be >= write-interval-min")
	}
	if c.InflightGrace < 0 {
		issues = append(issues, "inflight-grace must be >= 0")
	}
	if c.SlowThreshold <= 0 {
		issues = append(issues, "slow-threshold must be > 0")
	}
	if c.VerySlowThreshold <= c.SlowThreshold {
		issues = append(issues, "very-slow-threshold must be greater than slow-threshold")
	}

	if strings.TrimSpace(c.ErrorLog) == "" {
		issues = append(issues, "error-log path is required")
	}
	if c.SummaryFile != "" {
		switch strings.ToLower(filepath.Ext(c.SummaryFile)) {
		case ".json", ".yaml", ".yml":
		default:
			issues = append(issues, "summary-file must end in .json, .yaml or .yml")
		}
	}
	if c.Dashboard && c.JSONOutput {
		issues = append(issues, "dashboard and json-output cannot be combined")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("log-level %q must be one of debug, info, warn, error", c.LogLevel))
	}

	for _, p := range []struct{ name, value string }{
		{"stream", c.Paths.Stream},
		{"write", c.Paths.Write},
		{"connected", c.Paths.Connected},
	} {
		if p.value != "" && !strings.HasPrefix(p.value, "/") {
			issues = append(issues, fmt.Sprintf("paths.%s must start with /", p.name))
		}
	}

	issues = append(issues, validateTracingConfig(c.Tracing)...)

	if len(warnings) > 0 {
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, w)
		}
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateTracingConfig(t TracingConfig) []string {
	var issues []string
	switch strings.ToLower(t.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing protocol %q must be grpc or http", t.Protocol))
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		issues = append(issues, "tracing sample rate must be between 0.0 and 1.0")
	}
	return issues
}
