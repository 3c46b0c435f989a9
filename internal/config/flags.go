package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sseswarm",
		Short:         "Simulate many concurrent SSE users that periodically save answers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Target flags
	flags.String("target", DefaultTarget, "Base URL of the service under test")
	flags.StringSlice("header", nil, "Additional request header in key=value form")
	flags.String("stream-path", "", "Push-stream endpoint path (default /sync-timer)")
	flags.String("write-path", "", "Save-answers endpoint path (default /save-answers)")
	flags.String("connected-path", "", "Connected-users endpoint path (default /connected-users)")

	// Population and timing flags
	flags.IntP("users", "u", DefaultUsers, "Number of simulated users")
	flags.Duration("stagger", DefaultStagger, "Delay between consecutive user creations")
	flags.Duration("observe", DefaultObserve, "How long to keep running after every user has been created")
	flags.Duration("creation-poll", DefaultCreationPoll, "Interval of the all-users-created check")
	flags.Duration("progress-interval", DefaultProgressInterval, "Interval between progress reports")
	flags.Duration("first-write-delay", DefaultFirstWriteDelay, "Delay between stream open and the first save-answers request")
	flags.Duration("write-interval-min", DefaultWriteIntervalMin, "Lower bound of the random delay between writes")
	flags.Duration("write-interval-max", DefaultWriteIntervalMax, "Upper bound of the random delay between writes")
	flags.Duration("inflight-grace", DefaultInflightGrace, "Max time to wait for in-flight writes at shutdown")
	flags.Duration("slow-threshold", DefaultSlowThreshold, "Writes slower than this are reported as slow")
	flags.Duration("very-slow-threshold", DefaultVerySlowThreshold, "Writes slower than this are reported as very slow")
	flags.Bool("unique-ids", true, "Never assign the same user id twice in one run")
	flags.Int64("seed", 0, "Random seed for user ids and write intervals (0 picks one from the clock)")

	// Output flags
	flags.String("error-log", DefaultErrorLog, "Path of the error log file (truncated at start)")
	flags.Bool("json-output", false, "Emit the final report as JSON")
	flags.String("summary-file", "", "Write the final report to a .json or .yaml file")
	flags.Bool("dashboard", false, "Show live terminal dashboard with metrics")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flags.String("history-db", "", "Record the run summary in this sqlite database")
	flags.Bool("probe-connected", false, "Poll the target's connected-users endpoint in progress reports")
	flags.String("log-level", DefaultLogLevel, "Log level: debug, info, warn or error")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")

	// Tracing flags
	flags.String("tracing-endpoint", "", "OTLP collector endpoint for write spans")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")
	flags.Float64("tracing-sample-rate", 1.0, "Fraction of traces to sample (0.0-1.0)")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n\nUsage: %s\n\nFlags:\n", cmd.Short, cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	stringFlags := map[string]*string{
		"target":           &cfg.TargetURL,
		"stream-path":      &cfg.Paths.Stream,
		"write-path":       &cfg.Paths.Write,
		"connected-path":   &cfg.Paths.Connected,
		"error-log":        &cfg.ErrorLog,
		"summary-file":     &cfg.SummaryFile,
		"metrics-addr":     &cfg.MetricsAddr,
		"history-db":       &cfg.HistoryDB,
		"log-level":        &cfg.LogLevel,
		"tracing-endpoint": &cfg.Tracing.Endpoint,
		"tracing-protocol": &cfg.Tracing.Protocol,
	}
	for name, dst := range stringFlags {
		if !fs.Changed(name) {
			continue
		}
		val, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = strings.TrimSpace(val)
	}

	durationFlags := map[string]*time.Duration{
		"stagger":             &cfg.Stagger,
		"observe":             &cfg.Observe,
		"creation-poll":       &cfg.CreationPoll,
		"progress-interval":   &cfg.ProgressInterval,
		"first-write-delay":   &cfg.FirstWriteDelay,
		"write-interval-min":  &cfg.WriteIntervalMin,
		"write-interval-max":  &cfg.WriteIntervalMax,
		"inflight-grace":      &cfg.InflightGrace,
		"slow-threshold":      &cfg.SlowThreshold,
		"very-slow-threshold": &cfg.VerySlowThreshold,
	}
	for name, dst := range durationFlags {
		if !fs.Changed(name) {
			continue
		}
		val, err := fs.GetDuration(name)
		if err != nil {
			return err
		}
		*dst = val
	}

	boolFlags := map[string]*bool{
		"unique-ids":       &cfg.UniqueIDs,
		"json-output":      &cfg.JSONOutput,
		"dashboard":        &cfg.Dashboard,
		"probe-connected":  &cfg.ProbeConnected,
		"tracing-insecure": &cfg.Tracing.Insecure,
	}
	for name, dst := range boolFlags {
		if !fs.Changed(name) {
			continue
		}
		val, err := fs.GetBool(name)
		if err != nil {
			return err
		}
		*dst = val
	}

	if fs.Changed("users") {
		val, err := fs.GetInt("users")
		if err != nil {
			return err
		}
		cfg.Users = val
	}
	if fs.Changed("seed") {
		val, err := fs.GetInt64("seed")
		if err != nil {
			return err
		}
		cfg.Seed = val
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("header") {
		values, err := fs.GetStringSlice("header")
		if err != nil {
			return err
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for _, raw := range values {
			key, value, ok := strings.Cut(raw, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return fmt.Errorf("invalid header %q: expected key=value", raw)
			}
			cfg.Headers[http.CanonicalHeaderKey(key)] = strings.TrimSpace(value)
		}
	}
	return nil
}
