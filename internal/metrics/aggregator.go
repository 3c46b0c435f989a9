package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// DefaultSlowThreshold marks a completed write as slow.
	DefaultSlowThreshold = 5 * time.Second
	// DefaultVerySlowThreshold marks a completed write as very slow.
	DefaultVerySlowThreshold = 10 * time.Second

	// NoStatus is recorded when a write failed without any HTTP response.
	NoStatus = "No Status"
	// UnknownCode is recorded when a failure could not be mapped to a code.
	UnknownCode = "Unknown"
)

// LatencyClass buckets a completed write by how long it took.
type LatencyClass int

const (
	LatencyNormal LatencyClass = iota
	LatencySlow
	LatencyVerySlow
)

func (c LatencyClass) String() string {
	switch c {
	case LatencySlow:
		return "slow"
	case LatencyVerySlow:
		return "very slow"
	default:
		return "normal"
	}
}

// Thresholds configures latency classification.
type Thresholds struct {
	Slow     time.Duration
	VerySlow time.Duration
}

func (t Thresholds) normalize() Thresholds {
	if t.Slow <= 0 {
		t.Slow = DefaultSlowThreshold
	}
	if t.VerySlow <= 0 {
		t.VerySlow = DefaultVerySlowThreshold
	}
	return t
}

// Classify returns the latency class of a write that took d.
func (t Thresholds) Classify(d time.Duration) LatencyClass {
	t = t.normalize()
	switch {
	case d > t.VerySlow:
		return LatencyVerySlow
	case d > t.Slow:
		return LatencySlow
	default:
		return LatencyNormal
	}
}

// SlowRecord identifies a write that exceeded a latency threshold.
type SlowRecord struct {
	UserID     int   `json:"userId" yaml:"userId"`
	PostCount  int   `json:"postCount" yaml:"postCount"`
	DurationMs int64 `json:"duration" yaml:"duration"`
}

// ConnectionError describes a failed or abnormally closed push stream.
type ConnectionError struct {
	UserID     int    `json:"userId" yaml:"userId"`
	Timestamp  string `json:"timestamp" yaml:"timestamp"`
	Message    string `json:"message" yaml:"message"`
	Type       string `json:"type" yaml:"type"`
	ReadyState int    `json:"readyState" yaml:"readyState"`
}

// WriteError describes a failed save-answers request.
type WriteError struct {
	UserID     int    `json:"userId" yaml:"userId"`
	PostCount  int    `json:"postCount" yaml:"postCount"`
	Timestamp  string `json:"timestamp" yaml:"timestamp"`
	DurationMs int64  `json:"duration" yaml:"duration"`
	Status     string `json:"status" yaml:"status"`
	Message    string `json:"message" yaml:"message"`
	Code       string `json:"code" yaml:"code"`
	Data       any    `json:"data" yaml:"data"`
}

// Aggregator records fleet-wide session events in a thread-safe manner.
// Every session shares one Aggregator; it is the only cross-session state
// besides the error log.
type Aggregator struct {
	mu         sync.Mutex
	hist       *hdrhistogram.Histogram
	thresholds Thresholds
	start      time.Time
	sealed     bool

	totalSessions     int64
	connectionsOpened int64
	connectionErrors  int64
	terminated        int64
	eventsReceived    int64
	writeAttempts     int64
	writeSuccesses    int64
	writeErrors       int64
	inFlight          int64
	abandoned         int64

	latencies    []int64
	slow         []SlowRecord
	verySlow     []SlowRecord
	connErrors   []ConnectionError
	writeDetails []WriteError
}

// NewAggregator creates an Aggregator. Zero thresholds fall back to the
// 5s/10s defaults.
func NewAggregator(thresholds Thresholds) *Aggregator {
	// Track write latencies from 1ms up to one hour with 3 significant figures.
	h := hdrhistogram.New(1, int64(time.Hour/time.Millisecond), 3)
	return &Aggregator{
		hist:       h,
		thresholds: thresholds.normalize(),
		start:      time.Now(),
	}
}

// Start marks the beginning of the run for elapsed and throughput figures.
func (a *Aggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.start = time.Now()
}

// StartedAt returns the time the run was started.
func (a *Aggregator) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.start
}

// Thresholds returns the latency classification in use.
func (a *Aggregator) Thresholds() Thresholds {
	return a.thresholds
}

// AddSession counts a session scheduled for creation.
func (a *Aggregator) AddSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalSessions++
}

// RecordConnected counts a push stream that opened successfully.
func (a *Aggregator) RecordConnected() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectionsOpened++
}

// RecordEvent counts a push message received by any session.
func (a *Aggregator) RecordEvent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventsReceived++
}

// RecordTerminated counts a session reaching its terminal state.
func (a *Aggregator) RecordTerminated() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminated++
}

// RecordConnectionError stores a classified push-stream failure.
func (a *Aggregator) RecordConnectionError(rec ConnectionError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return
	}
	a.connectionErrors++
	a.connErrors = append(a.connErrors, rec)
}

// BeginWrite counts a write attempt about to be issued. It returns false
// once the aggregator is sealed, in which case the write must not be sent.
func (a *Aggregator) BeginWrite() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return false
	}
	a.writeAttempts++
	a.inFlight++
	return true
}

// RecordWriteSuccess settles a write attempt that received a success status.
func (a *Aggregator) RecordWriteSuccess(userID, postCount int, d time.Duration) LatencyClass {
	class := a.thresholds.Classify(d)
	ms := d.Milliseconds()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.inFlight--
	if a.sealed {
		return class
	}

	a.writeSuccesses++
	a.latencies = append(a.latencies, ms)
	a.recordHistogram(ms)

	switch class {
	case LatencyVerySlow:
		a.verySlow = append(a.verySlow, SlowRecord{UserID: userID, PostCount: postCount, DurationMs: ms})
	case LatencySlow:
		a.slow = append(a.slow, SlowRecord{UserID: userID, PostCount: postCount, DurationMs: ms})
	}
	return class
}

// RecordWriteError settles a write attempt that failed.
func (a *Aggregator) RecordWriteError(rec WriteError) {
	if rec.Status == "" {
		rec.Status = NoStatus
	}
	if rec.Code == "" {
		rec.Code = UnknownCode
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.inFlight--
	if a.sealed {
		return
	}
	a.writeErrors++
	a.writeDetails = append(a.writeDetails, rec)
}

func (a *Aggregator) recordHistogram(ms int64) {
	if ms < a.hist.LowestTrackableValue() {
		ms = a.hist.LowestTrackableValue()
	}
	if ms > a.hist.HighestTrackableValue() {
		ms = a.hist.HighestTrackableValue()
	}
	_ = a.hist.RecordValue(ms)
}

// InFlight returns the number of writes issued but not yet settled.
func (a *Aggregator) InFlight() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

// Seal freezes the report contents. Writes still in flight are counted as
// abandoned and their eventual completions are dropped. No new write
// attempts are accepted afterwards.
func (a *Aggregator) Seal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return
	}
	a.sealed = true
	a.abandoned += a.inFlight
}

// Snapshot returns a consistent copy of everything recorded so far. It is
// safe to call concurrently with ongoing recording.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		StartedAt:         a.start,
		Elapsed:           time.Since(a.start),
		TotalSessions:     a.totalSessions,
		ConnectionsOpened: a.connectionsOpened,
		ConnectionErrors:  a.connectionErrors,
		Terminated:        a.terminated,
		EventsReceived:    a.eventsReceived,
		WriteAttempts:     a.writeAttempts,
		WriteSuccesses:    a.writeSuccesses,
		WriteErrors:       a.writeErrors,
		InFlight:          a.inFlight,
		Abandoned:         a.abandoned,
		Latencies:         append([]int64(nil), a.latencies...),
		Slow:              append([]SlowRecord(nil), a.slow...),
		VerySlow:          append([]SlowRecord(nil), a.verySlow...),
		ConnErrors:        append([]ConnectionError(nil), a.connErrors...),
		WriteErrorDetails: append([]WriteError(nil), a.writeDetails...),
	}
	if a.hist.TotalCount() > 0 {
		snap.ApproxP95Ms = a.hist.ValueAtQuantile(95)
		snap.ApproxP99Ms = a.hist.ValueAtQuantile(99)
	}
	return snap
}
