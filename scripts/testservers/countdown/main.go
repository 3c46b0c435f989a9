// Command countdown serves the sync-timer / save-answers contract locally so
// sseswarm runs can be tried without the real service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/sseswarm/internal/countdown"
)

func main() {
	port := flag.Int("port", 8000, "Listening port")
	start := flag.Int("start", countdown.DefaultStart, "First countdown value of each stream")
	tick := flag.Duration("tick", countdown.DefaultTick, "Interval between countdown values")
	maxDelay := flag.Duration("max-write-delay", 0, "Upper bound of a random delay added to save-answers responses")
	verbose := flag.Bool("verbose", false, "Log every stream at debug level")
	flag.Parse()

	if *port <= 0 {
		fmt.Fprintln(os.Stderr, "port must be > 0")
		os.Exit(1)
	}

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := countdown.Config{Start: *start, Tick: *tick, Logger: logger}
	if *maxDelay > 0 {
		limit := int64(*maxDelay)
		cfg.WriteDelay = func() time.Duration { return time.Duration(rand.Int63n(limit)) }
	}

	if err := serve(*port, countdown.New(cfg), logger); err != nil {
		logger.Fatal("countdown server failed", zap.Error(err))
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if !verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zcfg.DisableStacktrace = true
	return zcfg.Build()
}

func serve(port int, srv *countdown.Server, logger *zap.Logger) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("countdown server listening", zap.String("addr", httpSrv.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	logger.Info("countdown server stopped", zap.Int("connected", srv.Connected()))
	return nil
}
