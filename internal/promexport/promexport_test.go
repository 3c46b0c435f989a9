package promexport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/torosent/sseswarm/internal/metrics"
)

type fakePopulation struct{ created, connected int }

func (f fakePopulation) Created() int   { return f.created }
func (f fakePopulation) Connected() int { return f.connected }

func seededAggregator() *metrics.Aggregator {
	agg := metrics.NewAggregator(metrics.Thresholds{})
	agg.AddSession()
	agg.AddSession()
	agg.RecordConnected()
	agg.RecordEvent()
	agg.RecordEvent()
	agg.RecordConnectionError(metrics.ConnectionError{UserID: 2, Type: "Stream closed"})
	agg.BeginWrite()
	agg.RecordWriteSuccess(1, 1, 6*time.Second)
	agg.BeginWrite()
	agg.RecordWriteError(metrics.WriteError{UserID: 1, PostCount: 2})
	agg.BeginWrite()
	return agg
}

func TestCollectorExposesCounters(t *testing.T) {
	c := NewCollector(seededAggregator(), fakePopulation{created: 2, connected: 1})

	expected := `
# HELP sseswarm_post_requests_total Save-answers requests by outcome.
# TYPE sseswarm_post_requests_total counter
sseswarm_post_requests_total{outcome="abandoned"} 0
sseswarm_post_requests_total{outcome="error"} 1
sseswarm_post_requests_total{outcome="success"} 1
# HELP sseswarm_sse_errors_total Push stream failures.
# TYPE sseswarm_sse_errors_total counter
sseswarm_sse_errors_total 1
# HELP sseswarm_post_requests_in_flight Save-answers requests awaiting a response.
# TYPE sseswarm_post_requests_in_flight gauge
sseswarm_post_requests_in_flight 1
# HELP sseswarm_post_slow_responses_total Successful requests above a latency threshold.
# TYPE sseswarm_post_slow_responses_total counter
sseswarm_post_slow_responses_total{class="slow"} 1
sseswarm_post_slow_responses_total{class="very_slow"} 0
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"sseswarm_post_requests_total",
		"sseswarm_sse_errors_total",
		"sseswarm_post_requests_in_flight",
		"sseswarm_post_slow_responses_total",
	)
	if err != nil {
		t.Fatal(err)
	}

	if got := testutil.CollectAndCount(c); got != 14 {
		t.Fatalf("metric count = %d, want 14", got)
	}
}

func TestCollectorWithoutPopulation(t *testing.T) {
	c := NewCollector(seededAggregator(), nil)
	if got := testutil.CollectAndCount(c, "sseswarm_sessions_connected"); got != 0 {
		t.Fatalf("connected gauge emitted without a population: %d", got)
	}
	if got := testutil.CollectAndCount(c, "sseswarm_sessions_created_total"); got != 1 {
		t.Fatalf("sessions counter missing: %d", got)
	}
}

func TestServerServesMetrics(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", NewCollector(seededAggregator(), nil), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "sseswarm_sse_connections_total 1") {
		t.Errorf("scrape body missing connections counter:\n%s", body)
	}
}

func TestListenRejectsBadAddress(t *testing.T) {
	if _, err := Listen("not-an-address", NewCollector(seededAggregator(), nil), nil); err == nil {
		t.Fatal("expected listen error")
	}
}
