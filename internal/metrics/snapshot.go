package metrics

import (
	"math"
	"sort"
	"time"
)

// TimestampLayout renders record timestamps as UTC ISO-8601 with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp formats t for error records and log entries.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Snapshot is a point-in-time copy of the aggregator contents.
type Snapshot struct {
	StartedAt         time.Time
	Elapsed           time.Duration
	TotalSessions     int64
	ConnectionsOpened int64
	ConnectionErrors  int64
	Terminated        int64
	EventsReceived    int64
	WriteAttempts     int64
	WriteSuccesses    int64
	WriteErrors       int64
	InFlight          int64
	Abandoned         int64

	// Latencies holds successful write durations in milliseconds, in completion order.
	Latencies         []int64
	Slow              []SlowRecord
	VerySlow          []SlowRecord
	ConnErrors        []ConnectionError
	WriteErrorDetails []WriteError

	// HDR histogram approximations, for live display only.
	ApproxP95Ms int64
	ApproxP99Ms int64
}

// AverageLatencyMs returns the rounded mean write latency.
func (s Snapshot) AverageLatencyMs() int64 {
	return Average(s.Latencies)
}

// Stats is the final, derived view of a run.
type Stats struct {
	RunID             string            `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	TotalTimeSec      int64             `json:"total_time_sec" yaml:"total_time_sec"`
	Users             int64             `json:"users" yaml:"users"`
	ConnectionsOpened int64             `json:"sse_connections" yaml:"sse_connections"`
	ConnectionErrors  int64             `json:"sse_errors" yaml:"sse_errors"`
	EventsReceived    int64             `json:"events_received" yaml:"events_received"`
	WriteAttempts     int64             `json:"post_requests" yaml:"post_requests"`
	WriteSuccesses    int64             `json:"post_successes" yaml:"post_successes"`
	WriteErrors       int64             `json:"post_errors" yaml:"post_errors"`
	Abandoned         int64             `json:"abandoned_in_flight" yaml:"abandoned_in_flight"`
	SuccessRate       int64             `json:"success_rate_pct" yaml:"success_rate_pct"`
	AverageMs         int64             `json:"avg_response_ms" yaml:"avg_response_ms"`
	RequestsPerSec    int64             `json:"requests_per_sec" yaml:"requests_per_sec"`
	P50Ms             int64             `json:"p50_ms" yaml:"p50_ms"`
	P95Ms             int64             `json:"p95_ms" yaml:"p95_ms"`
	P99Ms             int64             `json:"p99_ms" yaml:"p99_ms"`
	MaxMs             int64             `json:"max_ms" yaml:"max_ms"`
	HasLatencies      bool              `json:"-" yaml:"-"`
	Slow              []SlowRecord      `json:"slow_responses" yaml:"slow_responses"`
	VerySlow          []SlowRecord      `json:"very_slow_responses" yaml:"very_slow_responses"`
	ConnErrors        []ConnectionError `json:"sse_error_details" yaml:"sse_error_details"`
	WriteErrorDetails []WriteError      `json:"post_error_details" yaml:"post_error_details"`
}

// Stats derives the final statistics. elapsed is the wall-clock time since
// the fleet started.
func (s Snapshot) Stats(elapsed time.Duration) Stats {
	totalSec := int64(math.Round(elapsed.Seconds()))
	stats := Stats{
		TotalTimeSec:      totalSec,
		Users:             s.TotalSessions,
		ConnectionsOpened: s.ConnectionsOpened,
		ConnectionErrors:  s.ConnectionErrors,
		EventsReceived:    s.EventsReceived,
		WriteAttempts:     s.WriteAttempts,
		WriteSuccesses:    s.WriteSuccesses,
		WriteErrors:       s.WriteErrors,
		Abandoned:         s.Abandoned,
		SuccessRate:       SuccessRate(s.WriteSuccesses, s.WriteAttempts),
		AverageMs:         Average(s.Latencies),
		RequestsPerSec:    Throughput(s.WriteAttempts, totalSec),
		Slow:              s.Slow,
		VerySlow:          s.VerySlow,
		ConnErrors:        s.ConnErrors,
		WriteErrorDetails: s.WriteErrorDetails,
	}

	if len(s.Latencies) > 0 {
		sorted := append([]int64(nil), s.Latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		stats.HasLatencies = true
		stats.P50Ms = Percentile(sorted, 0.50)
		stats.P95Ms = Percentile(sorted, 0.95)
		stats.P99Ms = Percentile(sorted, 0.99)
		stats.MaxMs = sorted[len(sorted)-1]
	}
	return stats
}

// Average returns the arithmetic mean of values rounded to the nearest
// integer, or 0 for an empty slice.
func Average(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return int64(math.Round(float64(sum) / float64(len(values))))
}

// Percentile returns the nearest-rank percentile of an ascending slice: the
// element at index floor(len*p), without interpolation. p is a fraction in [0,1].
func Percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Floor(float64(len(sorted)) * p))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Throughput returns attempts per second, rounded. Zero elapsed seconds yields 0.
func Throughput(attempts, elapsedSec int64) int64 {
	if elapsedSec <= 0 {
		return 0
	}
	return int64(math.Round(float64(attempts) / float64(elapsedSec)))
}

// SuccessRate returns successes/attempts as a rounded percentage, 0 when
// nothing was attempted.
func SuccessRate(successes, attempts int64) int64 {
	if attempts <= 0 {
		return 0
	}
	return int64(math.Round(float64(successes) / float64(attempts) * 100))
}
