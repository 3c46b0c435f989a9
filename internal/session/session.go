// Package session simulates one end-user: a push-stream subscription that
// lives until the countdown reaches zero, plus a sequential loop of
// save-answers writes at randomized intervals.
package session

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/torosent/sseswarm/internal/errorlog"
	"github.com/torosent/sseswarm/internal/metrics"
	"github.com/torosent/sseswarm/internal/sse"
	"github.com/torosent/sseswarm/internal/target"
	"github.com/torosent/sseswarm/internal/tracing"
)

// EndOfStream is the push payload that ends a session cleanly.
const EndOfStream = "0"

// State is the connection state of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "terminated"
	}
}

// Target is the part of the target client a session uses.
type Target interface {
	StreamURL(userID int) string
	SaveAnswers(ctx context.Context, userID int, body target.SaveAnswersRequest) (int, error)
	HTTPClient() *http.Client
}

// Timing controls the write schedule.
type Timing struct {
	FirstWriteDelay time.Duration
	IntervalMin     time.Duration
	IntervalMax     time.Duration
}

// DefaultTiming sends the first write 2s after connect and the rest every 3-8s.
func DefaultTiming() Timing {
	return Timing{
		FirstWriteDelay: 2 * time.Second,
		IntervalMin:     3 * time.Second,
		IntervalMax:     8 * time.Second,
	}
}

// Deps are the collaborators shared by every session in a fleet.
type Deps struct {
	Target  Target
	Metrics *metrics.Aggregator
	Errors  errorlog.Sink
	Logger  *zap.Logger
	Tracer  trace.Tracer
	// Headers are added to the stream request.
	Headers http.Header
	// Jitter returns a value in [0,1) and must be safe for concurrent use.
	Jitter func() float64
}

// Session is a single simulated user.
type Session struct {
	id     int
	timing Timing
	deps   Deps
	log    *zap.Logger

	state  atomic.Int32
	writes atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	stream *sse.Client
	span   trace.Span

	writers  sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// New returns a session in the Disconnected state.
func New(userID int, timing Timing, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Errors == nil {
		deps.Errors = errorlog.Discard
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if deps.Jitter == nil {
		deps.Jitter = func() float64 { return 0 }
	}
	return &Session{
		id:     userID,
		timing: timing,
		deps:   deps,
		log:    deps.Logger.With(zap.Int("user_id", userID)),
		done:   make(chan struct{}),
	}
}

// UserID returns the simulated user's identifier.
func (s *Session) UserID() int { return s.id }

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// WritesIssued returns how many writes this session has sent.
func (s *Session) WritesIssued() int { return int(s.writes.Load()) }

// Done is closed once the session has terminated and its last write settled.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start begins connecting the push stream and returns immediately. It has no
// effect on a session that was already started or terminated.
func (s *Session) Start(ctx context.Context) {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	streamCtx, span := tracing.StartStreamSpan(sessCtx, s.deps.Tracer, s.id)

	headers := s.deps.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	tracing.InjectHTTPHeaders(streamCtx, headers)

	client := sse.NewClient(sse.Config{
		URL:        s.deps.Target.StreamURL(s.id),
		Headers:    headers,
		HTTPClient: s.deps.Target.HTTPClient(),
	})

	s.mu.Lock()
	s.cancel = cancel
	s.stream = client
	s.span = span
	s.mu.Unlock()

	// Terminated before the fields above were visible to Terminate.
	if s.State() == StateTerminated {
		cancel()
		span.End()
		return
	}

	s.log.Info("Starting SSE connection")
	go s.run(streamCtx, client)
}

func (s *Session) run(ctx context.Context, client *sse.Client) {
	defer s.finish()

	if err := client.Connect(ctx); err != nil {
		if s.State() != StateTerminated && ctx.Err() == nil {
			s.connectionError(client, err)
		}
		return
	}

	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		_ = client.Close()
		return
	}
	s.deps.Metrics.RecordConnected()
	s.log.Info("SSE connected")

	s.writers.Add(1)
	go s.writeLoop(ctx)

	for {
		event, err := client.ReadEvent(ctx)
		if err != nil {
			if s.State() != StateTerminated && ctx.Err() == nil {
				s.connectionError(client, err)
			}
			return
		}
		s.deps.Metrics.RecordEvent()

		data := strings.TrimSpace(event.Data)
		if data == EndOfStream {
			s.log.Info(`Received "0" - Test ended`)
			s.Terminate()
			return
		}
		s.log.Debug("Received countdown", zap.String("value", data))
	}
}

func (s *Session) finish() {
	s.writers.Wait()
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) connectionError(client *sse.Client, err error) {
	message := err.Error()
	if message == "" {
		message = "Connection error"
	}
	rec := metrics.ConnectionError{
		UserID:     s.id,
		Timestamp:  metrics.FormatTimestamp(time.Now()),
		Message:    message,
		Type:       metrics.ErrorTypeName(err),
		ReadyState: int(client.ReadyState()),
	}
	if errors.Is(err, sse.ErrClosed) {
		rec.Type = "Stream closed"
	}
	s.deps.Metrics.RecordConnectionError(rec)
	if logErr := s.deps.Errors.Log(errorlog.KindSSE, rec); logErr != nil {
		s.log.Error("write error log", zap.Error(logErr))
	}
	s.log.Warn("SSE error", zap.String("message", message), zap.String("type", rec.Type))

	s.mu.Lock()
	span := s.span
	s.mu.Unlock()
	if span != nil {
		span.RecordError(err)
	}
	s.Terminate()
}

// Terminate moves the session to Terminated, stops the write schedule and
// closes the stream. Only the first call has any effect; it reports whether
// this call performed the transition.
func (s *Session) Terminate() bool {
	for {
		cur := s.state.Load()
		if State(cur) == StateTerminated {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(StateTerminated)) {
			break
		}
	}

	s.mu.Lock()
	cancel, stream, span := s.cancel, s.stream, s.span
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var streamStats sse.Metrics
	if stream != nil {
		_ = stream.Close()
		streamStats = stream.Metrics()
	}
	if span != nil {
		span.SetAttributes(
			tracing.AttrPostCount.Int(s.WritesIssued()),
			tracing.AttrEvents.Int64(streamStats.EventsReceived),
			tracing.AttrStreamBytes.Int64(streamStats.BytesReceived),
		)
		span.End()
	} else {
		// Never started; nothing will close done.
		s.doneOnce.Do(func() { close(s.done) })
	}

	s.deps.Metrics.RecordTerminated()
	s.log.Info("Test completed - Sent "+strconv.Itoa(s.WritesIssued())+" POST requests",
		zap.Int64("events", streamStats.EventsReceived),
		zap.Duration("connected_for", streamStats.ConnectionDuration),
	)
	return true
}

func (s *Session) writeLoop(ctx context.Context) {
	defer s.writers.Done()

	timer := time.NewTimer(s.timing.FirstWriteDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if s.State() != StateConnected {
			return
		}
		s.write(ctx)
		if s.State() != StateConnected {
			return
		}
		timer.Reset(s.nextInterval())
	}
}

func (s *Session) nextInterval() time.Duration {
	span := s.timing.IntervalMax - s.timing.IntervalMin
	if span <= 0 {
		return s.timing.IntervalMin
	}
	return s.timing.IntervalMin + time.Duration(s.deps.Jitter()*float64(span))
}

// write sends one save-answers request and settles it in the aggregator. The
// request is detached from session cancellation so shutdown does not abort it.
func (s *Session) write(ctx context.Context) {
	if !s.deps.Metrics.BeginWrite() {
		return
	}
	n := int(s.writes.Add(1))

	ctx, span := tracing.StartWriteSpan(context.WithoutCancel(ctx), s.deps.Tracer, s.id, n)
	body := target.SaveAnswersRequest{Answers: target.Answers{
		Question1: "answer1_" + strconv.Itoa(n),
		Question2: "answer2_" + strconv.Itoa(n),
		Timestamp: metrics.FormatTimestamp(time.Now()),
	}}

	s.log.Info("Sending POST", zap.Int("post", n))
	start := time.Now()
	status, err := s.deps.Target.SaveAnswers(ctx, s.id, body)
	elapsed := time.Since(start)

	if err == nil {
		class := s.deps.Metrics.RecordWriteSuccess(s.id, n, elapsed)
		fields := []zap.Field{zap.Int("post", n), zap.Int("status", status), zap.Int64("duration_ms", elapsed.Milliseconds())}
		switch class {
		case metrics.LatencyVerySlow:
			s.log.Warn("POST VERY SLOW", fields...)
		case metrics.LatencySlow:
			s.log.Warn("POST SLOW", fields...)
		default:
			s.log.Info("POST success", fields...)
		}
		tracing.EndSpan(span, nil, tracing.AttrStatus.Int(status), tracing.AttrLatency.String(class.String()))
		return
	}

	rec := s.writeError(n, status, elapsed, err)
	s.deps.Metrics.RecordWriteError(rec)
	if logErr := s.deps.Errors.Log(errorlog.KindPost, rec); logErr != nil {
		s.log.Error("write error log", zap.Error(logErr))
	}
	s.log.Warn("POST failed",
		zap.Int("post", n),
		zap.String("status", rec.Status),
		zap.String("code", rec.Code),
		zap.Int64("duration_ms", rec.DurationMs),
		zap.Error(err),
	)
	if status > 0 {
		tracing.EndSpan(span, err, tracing.AttrStatus.Int(status))
	} else {
		tracing.EndSpan(span, err)
	}
}

func (s *Session) writeError(n, status int, elapsed time.Duration, err error) metrics.WriteError {
	rec := metrics.WriteError{
		UserID:     s.id,
		PostCount:  n,
		Timestamp:  metrics.FormatTimestamp(time.Now()),
		DurationMs: elapsed.Milliseconds(),
		Status:     metrics.NoStatus,
		Message:    err.Error(),
		Code:       metrics.ClassifyTransportError(err),
	}

	var statusErr *target.StatusError
	if errors.As(err, &statusErr) {
		rec.Status = strconv.Itoa(statusErr.Code)
		rec.Code = statusCode(statusErr.Code)
		rec.Data = statusErr.Data
	}
	return rec
}

// statusCode names an HTTP failure the way common HTTP clients do: client
// errors are bad requests, server errors bad responses.
func statusCode(code int) string {
	if code >= 400 && code < 500 {
		return "ERR_BAD_REQUEST"
	}
	return "ERR_BAD_RESPONSE"
}
