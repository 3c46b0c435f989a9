package session_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/torosent/sseswarm/internal/countdown"
	"github.com/torosent/sseswarm/internal/errorlog"
	"github.com/torosent/sseswarm/internal/metrics"
	"github.com/torosent/sseswarm/internal/session"
	"github.com/torosent/sseswarm/internal/target"
)

type record struct {
	kind    errorlog.Kind
	details any
}

type memorySink struct {
	mu      sync.Mutex
	records []record
}

func (m *memorySink) Log(kind errorlog.Kind, details any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record{kind: kind, details: details})
	return nil
}

func (m *memorySink) kinds() []errorlog.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]errorlog.Kind, len(m.records))
	for i, r := range m.records {
		out[i] = r.kind
	}
	return out
}

func newDeps(t *testing.T, baseURL string) (session.Deps, *metrics.Aggregator, *memorySink) {
	t.Helper()
	client, err := target.New(baseURL)
	if err != nil {
		t.Fatalf("target.New() error = %v", err)
	}
	agg := metrics.NewAggregator(metrics.Thresholds{})
	sink := &memorySink{}
	return session.Deps{
		Target:  client,
		Metrics: agg,
		Errors:  sink,
		Logger:  zaptest.NewLogger(t),
	}, agg, sink
}

func waitDone(t *testing.T, s *session.Session, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(timeout):
		t.Fatalf("session %d did not finish within %s (state %s)", s.UserID(), timeout, s.State())
	}
}

func fastTiming() session.Timing {
	return session.Timing{
		FirstWriteDelay: 10 * time.Millisecond,
		IntervalMin:     20 * time.Millisecond,
		IntervalMax:     20 * time.Millisecond,
	}
}

func TestSessionEndsCleanlyOnZero(t *testing.T) {
	srv := countdown.New(countdown.Config{Start: 5, Tick: 40 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	deps, agg, sink := newDeps(t, ts.URL)
	s := session.New(123456, fastTiming(), deps)
	s.Start(context.Background())
	waitDone(t, s, 5*time.Second)

	if s.State() != session.StateTerminated {
		t.Fatalf("state = %s, want terminated", s.State())
	}

	snap := agg.Snapshot()
	if snap.ConnectionsOpened != 1 {
		t.Errorf("ConnectionsOpened = %d, want 1", snap.ConnectionsOpened)
	}
	if snap.ConnectionErrors != 0 || len(snap.ConnErrors) != 0 {
		t.Errorf("a clean end must not record connection errors: %+v", snap.ConnErrors)
	}
	for _, k := range sink.kinds() {
		if k == errorlog.KindSSE {
			t.Errorf("SSE_ERROR logged for a clean end")
		}
	}
	if snap.EventsReceived != 6 {
		t.Errorf("EventsReceived = %d, want 6 (5..0)", snap.EventsReceived)
	}
	if snap.WriteAttempts == 0 {
		t.Fatalf("expected writes during a 200ms countdown")
	}
	if snap.WriteSuccesses+snap.WriteErrors != snap.WriteAttempts {
		t.Errorf("successes(%d)+errors(%d) != attempts(%d)", snap.WriteSuccesses, snap.WriteErrors, snap.WriteAttempts)
	}
	if int64(s.WritesIssued()) != snap.WriteAttempts {
		t.Errorf("WritesIssued = %d, attempts = %d", s.WritesIssued(), snap.WriteAttempts)
	}
	if snap.Terminated != 1 {
		t.Errorf("Terminated = %d, want 1", snap.Terminated)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	srv := countdown.New(countdown.Config{Start: 1000, Tick: time.Hour})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	deps, agg, sink := newDeps(t, ts.URL)
	s := session.New(222222, session.Timing{FirstWriteDelay: time.Hour, IntervalMin: time.Hour, IntervalMax: time.Hour}, deps)
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != session.StateConnected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != session.StateConnected {
		t.Fatalf("state = %s, want connected", s.State())
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	transitions := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Terminate() {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	waitDone(t, s, 2*time.Second)

	if transitions != 1 {
		t.Fatalf("Terminate transitioned %d times, want 1", transitions)
	}
	if s.Terminate() {
		t.Fatal("Terminate on a terminated session reported a transition")
	}
	snap := agg.Snapshot()
	if snap.Terminated != 1 {
		t.Errorf("Terminated = %d, want 1", snap.Terminated)
	}
	if snap.ConnectionErrors != 0 || len(sink.kinds()) != 0 {
		t.Errorf("local termination must not be recorded as an error")
	}
	if snap.WriteAttempts != 0 {
		t.Errorf("WriteAttempts = %d, want 0", snap.WriteAttempts)
	}
}

func TestTerminateBeforeStart(t *testing.T) {
	deps, _, _ := newDeps(t, "http://127.0.0.1:1")
	s := session.New(1, fastTiming(), deps)
	if !s.Terminate() {
		t.Fatal("Terminate() on a fresh session should transition")
	}
	s.Start(context.Background())
	waitDone(t, s, time.Second)
	if s.State() != session.StateTerminated {
		t.Fatalf("state = %s", s.State())
	}
}

func TestFirstWriteWaitsAfterConnect(t *testing.T) {
	var mu sync.Mutex
	var connectedAt, firstWriteAt time.Time
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/sync-timer", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		mu.Lock()
		connectedAt = time.Now()
		mu.Unlock()
		select {
		case <-release:
			fmt.Fprint(w, "data: 0\n\n")
			w.(http.Flusher).Flush()
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/save-answers", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if firstWriteAt.IsZero() {
			firstWriteAt = time.Now()
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		select {
		case <-release:
		default:
			close(release)
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	deps, agg, _ := newDeps(t, ts.URL)
	timing := session.Timing{FirstWriteDelay: 200 * time.Millisecond, IntervalMin: time.Hour, IntervalMax: time.Hour}
	s := session.New(333333, timing, deps)
	s.Start(context.Background())
	waitDone(t, s, 5*time.Second)

	mu.Lock()
	gap := firstWriteAt.Sub(connectedAt)
	mu.Unlock()
	if firstWriteAt.IsZero() {
		t.Fatal("no write was sent")
	}
	if gap < 190*time.Millisecond {
		t.Fatalf("first write %s after connect, want >= 200ms", gap)
	}
	if got := agg.Snapshot().WriteSuccesses; got != 1 {
		t.Fatalf("WriteSuccesses = %d, want 1", got)
	}
}

func TestConnectFailureRecordsConnectionError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	deps, agg, sink := newDeps(t, ts.URL)
	s := session.New(444444, fastTiming(), deps)
	s.Start(context.Background())
	waitDone(t, s, 2*time.Second)

	snap := agg.Snapshot()
	if snap.ConnectionErrors != 1 || len(snap.ConnErrors) != 1 {
		t.Fatalf("connection errors = %d (%d records), want 1", snap.ConnectionErrors, len(snap.ConnErrors))
	}
	rec := snap.ConnErrors[0]
	if rec.UserID != 444444 {
		t.Errorf("UserID = %d", rec.UserID)
	}
	if rec.ReadyState != 2 {
		t.Errorf("ReadyState = %d, want 2 (closed)", rec.ReadyState)
	}
	if rec.Type != "HTTP status error" {
		t.Errorf("Type = %q", rec.Type)
	}
	if snap.ConnectionsOpened != 0 || snap.WriteAttempts != 0 {
		t.Errorf("failed connect must not open or write: %+v", snap)
	}
	if kinds := sink.kinds(); len(kinds) != 1 || kinds[0] != errorlog.KindSSE {
		t.Errorf("error log kinds = %v, want [SSE_ERROR]", kinds)
	}
	if s.State() != session.StateTerminated {
		t.Errorf("state = %s, want terminated", s.State())
	}
}

func TestStreamClosedBeforeZeroIsAnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: 5\n\n")
	}))
	defer ts.Close()

	deps, agg, _ := newDeps(t, ts.URL)
	s := session.New(555555, session.Timing{FirstWriteDelay: time.Hour, IntervalMin: time.Hour, IntervalMax: time.Hour}, deps)
	s.Start(context.Background())
	waitDone(t, s, 2*time.Second)

	snap := agg.Snapshot()
	if snap.ConnectionsOpened != 1 {
		t.Errorf("ConnectionsOpened = %d, want 1", snap.ConnectionsOpened)
	}
	if len(snap.ConnErrors) != 1 {
		t.Fatalf("ConnErrors = %+v, want one", snap.ConnErrors)
	}
	if snap.ConnErrors[0].Type != "Stream closed" {
		t.Errorf("Type = %q, want Stream closed", snap.ConnErrors[0].Type)
	}
}

func TestWriteFailures(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus string
		wantCode   string
	}{
		{
			name: "rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"error":"User not connected"}`)
			},
			wantStatus: "400",
			wantCode:   "ERR_BAD_REQUEST",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantStatus: "502",
			wantCode:   "ERR_BAD_RESPONSE",
		},
		{
			name: "no response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				conn, _, err := w.(http.Hijacker).Hijack()
				if err == nil {
					conn.Close()
				}
			},
			wantStatus: metrics.NoStatus,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var once sync.Once
			written := make(chan struct{})
			mux := http.NewServeMux()
			mux.HandleFunc("/sync-timer", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				w.WriteHeader(http.StatusOK)
				w.(http.Flusher).Flush()
				select {
				case <-written:
					// Give the session a moment to settle the write first.
					time.Sleep(50 * time.Millisecond)
					fmt.Fprint(w, "data: 0\n\n")
					w.(http.Flusher).Flush()
				case <-r.Context().Done():
				}
			})
			mux.HandleFunc("/save-answers", func(w http.ResponseWriter, r *http.Request) {
				tt.handler(w, r)
				once.Do(func() { close(written) })
			})
			ts := httptest.NewServer(mux)
			defer ts.Close()

			deps, agg, sink := newDeps(t, ts.URL)
			s := session.New(666666, session.Timing{FirstWriteDelay: 0, IntervalMin: time.Hour, IntervalMax: time.Hour}, deps)
			s.Start(context.Background())
			waitDone(t, s, 5*time.Second)

			snap := agg.Snapshot()
			if snap.WriteAttempts != 1 || snap.WriteErrors != 1 || snap.WriteSuccesses != 0 {
				t.Fatalf("attempts=%d errors=%d successes=%d, want 1/1/0", snap.WriteAttempts, snap.WriteErrors, snap.WriteSuccesses)
			}
			if len(snap.Latencies) != 0 {
				t.Errorf("failed writes must not add latencies: %v", snap.Latencies)
			}
			rec := snap.WriteErrorDetails[0]
			if rec.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", rec.Status, tt.wantStatus)
			}
			if tt.wantCode != "" && rec.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", rec.Code, tt.wantCode)
			}
			if rec.Code == "" || rec.Message == "" {
				t.Errorf("incomplete record: %+v", rec)
			}
			if rec.PostCount != 1 || rec.UserID != 666666 {
				t.Errorf("record identity = %+v", rec)
			}
			if kinds := sink.kinds(); len(kinds) != 1 || kinds[0] != errorlog.KindPost {
				t.Errorf("error log kinds = %v, want [POST_ERROR]", kinds)
			}
		})
	}
}

func TestInFlightWriteSurvivesTermination(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/sync-timer", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/save-answers", func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	deps, agg, _ := newDeps(t, ts.URL)
	s := session.New(777777, session.Timing{FirstWriteDelay: 0, IntervalMin: time.Hour, IntervalMax: time.Hour}, deps)
	s.Start(context.Background())

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("write never reached the server")
	}

	s.Terminate()
	select {
	case <-s.Done():
		t.Fatal("session finished while its write was still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if agg.InFlight() != 1 {
		t.Fatalf("InFlight = %d, want 1", agg.InFlight())
	}

	close(release)
	waitDone(t, s, 2*time.Second)

	snap := agg.Snapshot()
	if snap.WriteSuccesses != 1 || snap.WriteErrors != 0 {
		t.Fatalf("successes=%d errors=%d, want the detached write to succeed", snap.WriteSuccesses, snap.WriteErrors)
	}
	if s.WritesIssued() != 1 {
		t.Fatalf("WritesIssued = %d, want 1 (no writes after termination)", s.WritesIssued())
	}
}

func TestNextIntervalUsesJitter(t *testing.T) {
	var mu sync.Mutex
	var times []time.Time
	mux := http.NewServeMux()
	mux.HandleFunc("/sync-timer", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/save-answers", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	deps, _, _ := newDeps(t, ts.URL)
	deps.Jitter = func() float64 { return 0.5 }
	timing := session.Timing{FirstWriteDelay: 0, IntervalMin: 40 * time.Millisecond, IntervalMax: 120 * time.Millisecond}
	s := session.New(888888, timing, deps)
	s.Start(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(times)
		mu.Unlock()
		if n >= 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Terminate()
	waitDone(t, s, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(times) < 3 {
		t.Fatalf("got %d writes, want >= 3", len(times))
	}
	for i := 1; i < len(times); i++ {
		// 40ms + 0.5*80ms = 80ms between writes.
		if gap := times[i].Sub(times[i-1]); gap < 75*time.Millisecond {
			t.Errorf("gap %d = %s, want >= 80ms", i, gap)
		}
	}
}
