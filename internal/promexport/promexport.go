// Package promexport exposes fleet metrics on a Prometheus scrape endpoint.
package promexport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/torosent/sseswarm/internal/metrics"
)

const namespace = "sseswarm"

// Population reports live session counts.
type Population interface {
	Created() int
	Connected() int
}

// Collector reads one aggregator snapshot per scrape.
type Collector struct {
	agg *metrics.Aggregator
	pop Population

	sessions        *prometheus.Desc
	connected       *prometheus.Desc
	connections     *prometheus.Desc
	connErrors      *prometheus.Desc
	events          *prometheus.Desc
	writes          *prometheus.Desc
	inFlight        *prometheus.Desc
	slow            *prometheus.Desc
	avgLatency      *prometheus.Desc
	latencyQuantile *prometheus.Desc
}

// NewCollector builds a Collector. pop may be nil.
func NewCollector(agg *metrics.Aggregator, pop Population) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		agg:             agg,
		pop:             pop,
		sessions:        desc("sessions_created_total", "Sessions created so far."),
		connected:       desc("sessions_connected", "Sessions currently holding an open stream."),
		connections:     desc("sse_connections_total", "Push streams opened successfully."),
		connErrors:      desc("sse_errors_total", "Push stream failures."),
		events:          desc("sse_events_total", "Push messages received."),
		writes:          desc("post_requests_total", "Save-answers requests by outcome.", "outcome"),
		inFlight:        desc("post_requests_in_flight", "Save-answers requests awaiting a response."),
		slow:            desc("post_slow_responses_total", "Successful requests above a latency threshold.", "class"),
		avgLatency:      desc("post_latency_avg_ms", "Mean latency of successful requests in milliseconds."),
		latencyQuantile: desc("post_latency_ms", "Approximate latency quantiles in milliseconds.", "quantile"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.sessions, c.connected, c.connections, c.connErrors, c.events,
		c.writes, c.inFlight, c.slow, c.avgLatency, c.latencyQuantile,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.agg.Snapshot()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.sessions, snap.TotalSessions)
	if c.pop != nil {
		gauge(c.connected, float64(c.pop.Connected()))
	}
	counter(c.connections, snap.ConnectionsOpened)
	counter(c.connErrors, snap.ConnectionErrors)
	counter(c.events, snap.EventsReceived)
	counter(c.writes, snap.WriteSuccesses, "success")
	counter(c.writes, snap.WriteErrors, "error")
	counter(c.writes, snap.Abandoned, "abandoned")
	gauge(c.inFlight, float64(snap.InFlight))
	counter(c.slow, int64(len(snap.Slow)), "slow")
	counter(c.slow, int64(len(snap.VerySlow)), "very_slow")
	gauge(c.avgLatency, float64(snap.AverageLatencyMs()))
	gauge(c.latencyQuantile, float64(snap.ApproxP95Ms), "0.95")
	gauge(c.latencyQuantile, float64(snap.ApproxP99Ms), "0.99")
}

// Server serves /metrics for the lifetime of a run.
type Server struct {
	srv      *http.Server
	listener net.Listener
	log      *zap.Logger
	done     chan struct{}
}

// Listen binds addr and registers the collector on a private registry.
func Listen(addr string, collector prometheus.Collector, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		return nil, fmt.Errorf("register collector: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
		log:      logger,
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Start serves in the background.
func (s *Server) Start() {
	s.log.Info("Serving Prometheus metrics", zap.String("addr", s.Addr()))
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server stopped", zap.Error(err))
		}
	}()
}

// Shutdown stops the server, waiting for active scrapes up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}
