package config

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Defaults returns the configuration used when neither a file nor flags
// override a setting.
func Defaults() *Config {
	return &Config{
		TargetURL:         DefaultTarget,
		Headers:           map[string]string{},
		Users:             DefaultUsers,
		Stagger:           DefaultStagger,
		Observe:           DefaultObserve,
		CreationPoll:      DefaultCreationPoll,
		ProgressInterval:  DefaultProgressInterval,
		FirstWriteDelay:   DefaultFirstWriteDelay,
		WriteIntervalMin:  DefaultWriteIntervalMin,
		WriteIntervalMax:  DefaultWriteIntervalMax,
		InflightGrace:     DefaultInflightGrace,
		SlowThreshold:     DefaultSlowThreshold,
		VerySlowThreshold: DefaultVerySlowThreshold,
		ErrorLog:          DefaultErrorLog,
		UniqueIDs:         true,
		LogLevel:          DefaultLogLevel,
		Tracing: TracingConfig{
			Protocol:   "grpc",
			SampleRate: 1.0,
		},
	}
}

// Load parses command-line arguments and configuration files to produce a
// Config. Precedence is flag, then file, then default.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
	}

	configPath := flagSet.Lookup("config").Value.String()
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	settings := cfgViper.AllSettings()

	cfg := Defaults()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(cfg, settings); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.TargetURL = strings.TrimRight(strings.TrimSpace(cfg.TargetURL), "/")
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(cfg.Tracing.Protocol))
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}

	return cfg, nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "target"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("target: %w", err)
		}
		cfg.TargetURL = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "headers"); ok {
		hdrs, err := asStringMap(raw)
		if err != nil {
			return fmt.Errorf("headers: %w", err)
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for k, v := range hdrs {
			cfg.Headers[http.CanonicalHeaderKey(k)] = v
		}
	}

	if raw, ok := lookupSetting(settings, "users"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("users: %w", err)
		}
		cfg.Users = val
	}

	durations := []struct {
		dst  *time.Duration
		keys []string
	}{
		{&cfg.Stagger, []string{"stagger"}},
		{&cfg.Observe, []string{"observe"}},
		{&cfg.CreationPoll, []string{"creation_poll", "creation-poll", "creationpoll"}},
		{&cfg.ProgressInterval, []string{"progress_interval", "progress-interval", "progressinterval"}},
		{&cfg.FirstWriteDelay, []string{"first_write_delay", "first-write-delay", "firstwritedelay"}},
		{&cfg.WriteIntervalMin, []string{"write_interval_min", "write-interval-min", "writeintervalmin"}},
		{&cfg.WriteIntervalMax, []string{"write_interval_max", "write-interval-max", "writeintervalmax"}},
		{&cfg.InflightGrace, []string{"inflight_grace", "inflight-grace", "inflightgrace"}},
		{&cfg.SlowThreshold, []string{"slow_threshold", "slow-threshold", "slowthreshold"}},
		{&cfg.VerySlowThreshold, []string{"very_slow_threshold", "very-slow-threshold", "veryslowthreshold"}},
	}
	for _, d := range durations {
		raw, ok := lookupSetting(settings, d.keys...)
		if !ok {
			continue
		}
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.keys[0], err)
		}
		*d.dst = val
	}

	strs := []struct {
		dst  *string
		keys []string
	}{
		{&cfg.ErrorLog, []string{"error_log", "error-log", "errorlog"}},
		{&cfg.SummaryFile, []string{"summary_file", "summary-file", "summaryfile"}},
		{&cfg.MetricsAddr, []string{"metrics_addr", "metrics-addr", "metricsaddr"}},
		{&cfg.HistoryDB, []string{"history_db", "history-db", "historydb"}},
		{&cfg.LogLevel, []string{"log_level", "log-level", "loglevel"}},
	}
	for _, s := range strs {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = strings.TrimSpace(val)
	}

	bools := []struct {
		dst  *bool
		keys []string
	}{
		{&cfg.UniqueIDs, []string{"unique_ids", "unique-ids", "uniqueids"}},
		{&cfg.JSONOutput, []string{"json_output", "json-output", "jsonoutput"}},
		{&cfg.Dashboard, []string{"dashboard"}},
		{&cfg.ProbeConnected, []string{"probe_connected", "probe-connected", "probeconnected"}},
	}
	for _, b := range bools {
		raw, ok := lookupSetting(settings, b.keys...)
		if !ok {
			continue
		}
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", b.keys[0], err)
		}
		*b.dst = val
	}

	if raw, ok := lookupSetting(settings, "seed"); ok {
		val, err := asInt64(raw)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		cfg.Seed = val
	}

	if raw, ok := lookupSetting(settings, "paths"); ok {
		paths, err := parsePaths(raw)
		if err != nil {
			return fmt.Errorf("paths: %w", err)
		}
		cfg.Paths = paths
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		tracing, err := parseTracing(raw, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		cfg.Tracing = tracing
	}

	return nil
}

func parsePaths(value interface{}) (PathsConfig, error) {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return PathsConfig{}, err
	}

	var paths PathsConfig
	for key, dst := range map[string]*string{
		"stream":    &paths.Stream,
		"write":     &paths.Write,
		"connected": &paths.Connected,
	} {
		raw, ok := settings[key]
		if !ok {
			continue
		}
		val, err := asString(raw)
		if err != nil {
			return PathsConfig{}, fmt.Errorf("%s: %w", key, err)
		}
		*dst = strings.TrimSpace(val)
	}
	return paths, nil
}

func parseTracing(value interface{}, base TracingConfig) (TracingConfig, error) {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return TracingConfig{}, err
	}

	tc := base
	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("endpoint: %w", err)
		}
		tc.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("protocol: %w", err)
		}
		tc.Protocol = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "service_name", "service-name", "servicename"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("service_name: %w", err)
		}
		tc.ServiceName = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("insecure: %w", err)
		}
		tc.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "sample_rate", "sample-rate", "samplerate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("sample_rate: %w", err)
		}
		tc.SampleRate = val
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("propagate: %w", err)
		}
		tc.Propagate = &val
	}
	return tc, nil
}
