package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/torosent/sseswarm/internal/config"
	"github.com/torosent/sseswarm/internal/dashboard"
	"github.com/torosent/sseswarm/internal/errorlog"
	"github.com/torosent/sseswarm/internal/fleet"
	"github.com/torosent/sseswarm/internal/history"
	"github.com/torosent/sseswarm/internal/metrics"
	"github.com/torosent/sseswarm/internal/output"
	"github.com/torosent/sseswarm/internal/promexport"
	"github.com/torosent/sseswarm/internal/session"
	"github.com/torosent/sseswarm/internal/target"
	"github.com/torosent/sseswarm/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.Dashboard)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return execute(ctx, cancel, cfg, os.Stdout, logger)
}

// execute performs one run with a validated configuration. stop ends the
// run early, as an interrupt would.
func execute(ctx context.Context, stop context.CancelFunc, cfg *config.Config, stdout io.Writer, logger *zap.Logger) error {
	sink, err := errorlog.Open(cfg.ErrorLog)
	if err != nil {
		return err
	}
	defer sink.Close()

	provider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	headers := makeHeaders(cfg.Headers)
	client, err := target.New(cfg.TargetURL,
		target.WithPaths(toTargetPaths(cfg.Paths)),
		target.WithHeaders(headers),
		target.WithHeaderInjector(provider.HeaderInjector()),
	)
	if err != nil {
		return err
	}

	var store *history.Store
	if cfg.HistoryDB != "" {
		store, err = history.Open(cfg.HistoryDB)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	agg := metrics.NewAggregator(metrics.Thresholds{
		Slow:     cfg.SlowThreshold,
		VerySlow: cfg.VerySlowThreshold,
	})

	ctrl := fleet.New(toFleetConfig(cfg), session.Deps{
		Target:  client,
		Metrics: agg,
		Errors:  sink,
		Logger:  logger,
		Tracer:  provider.Tracer(),
		Headers: headers,
	})

	if cfg.MetricsAddr != "" {
		srv, err := promexport.Listen(cfg.MetricsAddr, promexport.NewCollector(agg, ctrl), logger)
		if err != nil {
			return err
		}
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var dash *dashboard.Dashboard
	if cfg.Dashboard {
		dash, err = dashboard.New(agg, ctrl, dashboard.RunInfo{
			TargetURL:  client.BaseURL(),
			Users:      cfg.Users,
			Stagger:    cfg.Stagger,
			Observe:    cfg.Observe,
			RunID:      ctrl.RunID(),
			ConfigFile: cfg.ConfigFile,
		}, stop)
		if err != nil {
			return err
		}
		dash.Start()
	}

	var progress *output.ProgressReporter
	if !cfg.JSONOutput && !cfg.Dashboard {
		progress = output.NewProgressReporter(agg, ctrl, cfg.ProgressInterval, stdout)
		if cfg.ProbeConnected {
			progress.WithProbe(client.ConnectedUsers)
		}
		progress.Start()
		ctrl.OnShutdown = progress.Stop
	}

	result := ctrl.Run(ctx)

	if progress != nil {
		progress.Stop()
	}
	if dash != nil {
		dash.Stop()
	}

	if cfg.JSONOutput {
		if err := output.PrintJSONReport(stdout, result.Stats); err != nil {
			return err
		}
	} else {
		output.PrintReport(stdout, result.Stats)
		fmt.Fprintf(stdout, "\nError log: %s\n", sink.Path())
	}

	if cfg.SummaryFile != "" {
		if err := output.WriteSummaryFile(cfg.SummaryFile, result.Stats); err != nil {
			return err
		}
	}

	if store != nil {
		err := store.Save(history.Run{
			ID:        result.RunID,
			StartedAt: result.StartedAt,
			Target:    client.BaseURL(),
			Reason:    string(result.Reason),
			Stats:     result.Stats,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// newLogger builds the console logger. The dashboard owns the terminal, so
// logging is discarded while it runs.
func newLogger(level string, quiet bool) (*zap.Logger, error) {
	if quiet {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.DisableStacktrace = true
	zcfg.DisableCaller = true
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func makeHeaders(values map[string]string) http.Header {
	headers := http.Header{}
	for k, v := range values {
		if strings.TrimSpace(k) == "" {
			continue
		}
		headers.Set(k, v)
	}
	return headers
}

func toTargetPaths(p config.PathsConfig) target.Paths {
	return target.Paths{
		Stream:    p.Stream,
		Write:     p.Write,
		Connected: p.Connected,
	}
}

func toFleetConfig(cfg *config.Config) fleet.Config {
	return fleet.Config{
		Users:         cfg.Users,
		Stagger:       cfg.Stagger,
		Observe:       cfg.Observe,
		CreationPoll:  cfg.CreationPoll,
		InflightGrace: cfg.InflightGrace,
		UniqueIDs:     cfg.UniqueIDs,
		Seed:          cfg.Seed,
		Timing: session.Timing{
			FirstWriteDelay: cfg.FirstWriteDelay,
			IntervalMin:     cfg.WriteIntervalMin,
			IntervalMax:     cfg.WriteIntervalMax,
		},
	}
}
