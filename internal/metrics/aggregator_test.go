package metrics_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/torosent/sseswarm/internal/metrics"
)

func TestPercentileNearestRank(t *testing.T) {
	sorted := []int64{10, 20, 30, 40, 50}

	tests := []struct {
		p    float64
		want int64
	}{
		{0.0, 10},
		{0.5, 30},
		{0.95, 50},
		{0.99, 50},
		{1.0, 50},
	}
	for _, tt := range tests {
		if got := metrics.Percentile(sorted, tt.p); got != tt.want {
			t.Errorf("Percentile(%v) = %d, want %d", tt.p, got, tt.want)
		}
	}

	if got := metrics.Percentile(nil, 0.5); got != 0 {
		t.Errorf("Percentile(empty) = %d, want 0", got)
	}
}

func TestPercentileHundredSamples(t *testing.T) {
	sorted := make([]int64, 100)
	for i := range sorted {
		sorted[i] = int64(i + 1)
	}
	// floor(100*0.95) = 95 -> value 96
	if got := metrics.Percentile(sorted, 0.95); got != 96 {
		t.Fatalf("p95 = %d, want 96", got)
	}
	if got := metrics.Percentile(sorted, 0.99); got != 100 {
		t.Fatalf("p99 = %d, want 100", got)
	}
}

func TestAverageEmptyIsZero(t *testing.T) {
	if got := metrics.Average(nil); got != 0 {
		t.Fatalf("Average(nil) = %d, want 0", got)
	}
	if got := metrics.Average([]int64{1, 2}); got != 2 {
		t.Fatalf("Average([1 2]) = %d, want 2 (rounded)", got)
	}
}

func TestThroughputAndSuccessRate(t *testing.T) {
	if got := metrics.Throughput(100, 0); got != 0 {
		t.Errorf("Throughput with zero elapsed = %d, want 0", got)
	}
	if got := metrics.Throughput(250, 100); got != 3 {
		t.Errorf("Throughput(250,100) = %d, want 3", got)
	}
	if got := metrics.SuccessRate(0, 0); got != 0 {
		t.Errorf("SuccessRate(0,0) = %d, want 0", got)
	}
	if got := metrics.SuccessRate(2, 3); got != 67 {
		t.Errorf("SuccessRate(2,3) = %d, want 67", got)
	}
}

func TestThresholdClassify(t *testing.T) {
	th := metrics.Thresholds{}
	tests := []struct {
		d    time.Duration
		want metrics.LatencyClass
	}{
		{100 * time.Millisecond, metrics.LatencyNormal},
		{5 * time.Second, metrics.LatencyNormal},
		{5001 * time.Millisecond, metrics.LatencySlow},
		{10 * time.Second, metrics.LatencySlow},
		{12 * time.Second, metrics.LatencyVerySlow},
	}
	for _, tt := range tests {
		if got := th.Classify(tt.d); got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.d, got, tt.want)
		}
	}
}

func TestVerySlowWriteCountsAsSuccess(t *testing.T) {
	agg := metrics.NewAggregator(metrics.Thresholds{})
	if !agg.BeginWrite() {
		t.Fatal("BeginWrite refused before seal")
	}
	class := agg.RecordWriteSuccess(123456, 1, 12*time.Second)
	if class != metrics.LatencyVerySlow {
		t.Fatalf("class = %s, want very slow", class)
	}

	snap := agg.Snapshot()
	if snap.WriteSuccesses != 1 || snap.WriteErrors != 0 {
		t.Fatalf("successes=%d errors=%d, want 1/0", snap.WriteSuccesses, snap.WriteErrors)
	}
	if len(snap.VerySlow) != 1 || snap.VerySlow[0].DurationMs != 12000 {
		t.Fatalf("very slow = %+v", snap.VerySlow)
	}
	if len(snap.Slow) != 0 {
		t.Fatalf("slow should be empty, got %+v", snap.Slow)
	}
	if len(snap.Latencies) != 1 || snap.Latencies[0] != 12000 {
		t.Fatalf("latencies = %v", snap.Latencies)
	}
}

func TestWriteErrorDefaultsSentinels(t *testing.T) {
	agg := metrics.NewAggregator(metrics.Thresholds{})
	agg.BeginWrite()
	agg.RecordWriteError(metrics.WriteError{UserID: 1, PostCount: 1, Message: "dial tcp: refused"})

	snap := agg.Snapshot()
	if len(snap.WriteErrorDetails) != 1 {
		t.Fatalf("expected one write error, got %d", len(snap.WriteErrorDetails))
	}
	rec := snap.WriteErrorDetails[0]
	if rec.Status != metrics.NoStatus {
		t.Errorf("status = %q, want %q", rec.Status, metrics.NoStatus)
	}
	if rec.Code != metrics.UnknownCode {
		t.Errorf("code = %q, want %q", rec.Code, metrics.UnknownCode)
	}
	if len(snap.Latencies) != 0 {
		t.Errorf("failed writes must not add latencies, got %v", snap.Latencies)
	}
}

func TestAggregatorConcurrentWritesSettleOnce(t *testing.T) {
	agg := metrics.NewAggregator(metrics.Thresholds{})

	const workers = 32
	const perWorker = 200
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if !agg.BeginWrite() {
					t.Error("BeginWrite refused")
					return
				}
				if i%5 == 0 {
					agg.RecordWriteError(metrics.WriteError{UserID: w, PostCount: i})
				} else {
					agg.RecordWriteSuccess(w, i, time.Duration(i)*time.Millisecond)
				}
				_ = agg.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	snap := agg.Snapshot()
	if snap.WriteAttempts != workers*perWorker {
		t.Fatalf("attempts = %d, want %d", snap.WriteAttempts, workers*perWorker)
	}
	if snap.WriteSuccesses+snap.WriteErrors != snap.WriteAttempts {
		t.Fatalf("successes(%d)+errors(%d) != attempts(%d)", snap.WriteSuccesses, snap.WriteErrors, snap.WriteAttempts)
	}
	if int64(len(snap.Latencies)) != snap.WriteSuccesses {
		t.Fatalf("latencies(%d) != successes(%d)", len(snap.Latencies), snap.WriteSuccesses)
	}
	if snap.InFlight != 0 {
		t.Fatalf("in flight = %d, want 0", snap.InFlight)
	}
}

func TestSealDropsLateCompletions(t *testing.T) {
	agg := metrics.NewAggregator(metrics.Thresholds{})
	agg.BeginWrite()
	agg.RecordWriteSuccess(1, 1, 10*time.Millisecond)
	agg.BeginWrite()

	agg.Seal()
	agg.Seal()

	if agg.BeginWrite() {
		t.Fatal("BeginWrite accepted after seal")
	}
	agg.RecordWriteSuccess(1, 2, 20*time.Millisecond)

	snap := agg.Snapshot()
	if snap.WriteAttempts != 2 {
		t.Errorf("attempts = %d, want 2", snap.WriteAttempts)
	}
	if snap.WriteSuccesses != 1 {
		t.Errorf("successes = %d, want 1", snap.WriteSuccesses)
	}
	if snap.Abandoned != 1 {
		t.Errorf("abandoned = %d, want 1", snap.Abandoned)
	}
	if snap.WriteSuccesses+snap.WriteErrors+snap.Abandoned != snap.WriteAttempts {
		t.Errorf("attempt accounting does not balance: %+v", snap)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	agg := metrics.NewAggregator(metrics.Thresholds{})
	agg.BeginWrite()
	agg.RecordWriteSuccess(1, 1, 7*time.Second)

	snap := agg.Snapshot()
	snap.Latencies[0] = 1
	snap.Slow[0].DurationMs = 1

	again := agg.Snapshot()
	if again.Latencies[0] != 7000 || again.Slow[0].DurationMs != 7000 {
		t.Fatalf("snapshot mutation leaked into aggregator: %+v", again)
	}
}

func TestStatsDerivation(t *testing.T) {
	snap := metrics.Snapshot{
		TotalSessions:  3,
		WriteAttempts:  6,
		WriteSuccesses: 5,
		WriteErrors:    1,
		Latencies:      []int64{50, 10, 40, 20, 30},
	}
	stats := snap.Stats(3 * time.Second)

	if stats.P50Ms != 30 {
		t.Errorf("P50 = %d, want 30", stats.P50Ms)
	}
	if stats.MaxMs != 50 {
		t.Errorf("Max = %d, want 50", stats.MaxMs)
	}
	if stats.AverageMs != 30 {
		t.Errorf("Average = %d, want 30", stats.AverageMs)
	}
	if stats.SuccessRate != 83 {
		t.Errorf("SuccessRate = %d, want 83", stats.SuccessRate)
	}
	if stats.RequestsPerSec != 2 {
		t.Errorf("RequestsPerSec = %d, want 2", stats.RequestsPerSec)
	}
	if !stats.HasLatencies {
		t.Error("HasLatencies = false")
	}

	empty := metrics.Snapshot{}.Stats(0)
	if empty.AverageMs != 0 || empty.HasLatencies || empty.RequestsPerSec != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, metrics.UnknownCode},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, "ECONNREFUSED"},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), "ECONNRESET"},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid"}, "ENOTFOUND"},
		{"eof", fmt.Errorf("post: %w", io.EOF), "ECONNRESET"},
		{"deadline", context.DeadlineExceeded, "ETIMEDOUT"},
		{"canceled", context.Canceled, "ERR_CANCELED"},
		{"other", errors.New("boom"), metrics.UnknownCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := metrics.ClassifyTransportError(tt.err); got != tt.want {
				t.Errorf("ClassifyTransportError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFriendlyErrorName(t *testing.T) {
	tests := map[string]string{
		"":                               "Unknown error",
		"*url.Error":                     "Request URL error",
		"*sse.StatusError":               "HTTP status error",
		"*net.OpError":                   "Network error",
		"*errors.errorString":            "Error String (errors)",
		"*proxy.HTTPTimeout":             "HTTP Timeout (proxy)",
		"main.retry2Error":               "Retry 2 Error",
		"*context.deadlineExceededError": "Context deadline exceeded",
	}
	for in, want := range tests {
		if got := metrics.FriendlyErrorName(in); got != want {
			t.Errorf("FriendlyErrorName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 45, 123_000_000, time.FixedZone("X", 3600))
	if got := metrics.FormatTimestamp(ts); got != "2024-03-01T11:30:45.123Z" {
		t.Fatalf("FormatTimestamp = %q", got)
	}
}

func TestErrorTypeNameUnwrapsTransportWrappers(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	wrapped := fmt.Errorf("http request: %w", &url.Error{Op: "Get", URL: "http://x", Err: opErr})

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "unknown"},
		{"wrapped op error", wrapped, "Network error"},
		{"bare url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("boom")}, "Error String (errors)"},
		{"dns", &net.DNSError{Err: "no such host", Name: "x.invalid"}, "DNS error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := metrics.ErrorTypeName(tt.err); got != tt.want {
				t.Errorf("ErrorTypeName() = %q, want %q", got, tt.want)
			}
		})
	}
}
