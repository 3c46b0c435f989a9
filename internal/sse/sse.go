// Package sse is a minimal text/event-stream subscriber: one GET, then a
// blocking ReadEvent per dispatched event until either side closes.
package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ReadyState follows the EventSource readyState numbering.
type ReadyState int32

const (
	StateConnecting ReadyState = 0
	StateOpen       ReadyState = 1
	StateClosed     ReadyState = 2
)

var stateNames = [...]string{"CONNECTING", "OPEN", "CLOSED"}

func (s ReadyState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return stateNames[StateClosed]
	}
	return stateNames[s]
}

// Event is one dispatched message. Multi-line data is joined with "\n".
type Event struct {
	ID    string
	Event string
	Data  string
}

// StatusError reports a handshake answered with anything but 200.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// ErrClosed is returned once the stream has ended, from either side.
var ErrClosed = errors.New("connection closed")

// Metrics are per-subscription counters.
type Metrics struct {
	ConnectionDuration time.Duration
	EventsReceived     int64
	BytesReceived      int64
	Errors             int64
}

// Config describes a subscription.
type Config struct {
	URL     string
	Headers http.Header
	// Timeout bounds the whole stream including reads; zero keeps it open
	// indefinitely. Ignored when HTTPClient is set.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is a single subscription. Connect may be called once; Close may be
// called any number of times, from any goroutine.
type Client struct {
	cfg  Config
	http *http.Client

	mu     sync.Mutex
	body   io.ReadCloser
	lines  *bufio.Reader
	opened time.Time

	state  atomic.Int32
	events atomic.Int64
	bytes  atomic.Int64
	errs   atomic.Int64
}

// NewClient returns an unconnected Client.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	c := &Client{cfg: cfg, http: hc}
	c.state.Store(int32(StateConnecting))
	return c
}

// ReadyState reports the current connection state.
func (c *Client) ReadyState() ReadyState {
	return ReadyState(c.state.Load())
}

// Connect performs the GET handshake. A non-200 answer yields *StatusError.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.body != nil:
		return errors.New("already connected")
	case c.ReadyState() == StateClosed:
		return ErrClosed
	}

	req, err := c.handshake(ctx)
	if err != nil {
		c.markFailed()
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.markFailed()
		return fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.markFailed()
		return &StatusError{Code: resp.StatusCode}
	}
	// Close raced the handshake.
	if c.ReadyState() == StateClosed {
		resp.Body.Close()
		return ErrClosed
	}

	c.body = resp.Body
	c.lines = bufio.NewReader(resp.Body)
	c.opened = time.Now()
	c.state.Store(int32(StateOpen))
	return nil
}

func (c *Client) handshake(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")
	for key, values := range c.cfg.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return req, nil
}

func (c *Client) markFailed() {
	c.errs.Add(1)
	c.state.Store(int32(StateClosed))
}

// ReadEvent blocks until the next event is dispatched. It returns ErrClosed
// when the stream ends; a server-side end also counts as an error in Metrics,
// a local Close does not.
func (c *Client) ReadEvent(ctx context.Context) (Event, error) {
	c.mu.Lock()
	lines := c.lines
	c.mu.Unlock()
	if lines == nil {
		return Event{}, errors.New("not connected")
	}

	var f frame
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		line, err := lines.ReadString('\n')
		if err != nil {
			return Event{}, c.readFailure(ctx, err)
		}
		c.bytes.Add(int64(len(line)))

		if ev, ok := f.feed(strings.TrimRight(line, "\r\n")); ok {
			c.events.Add(1)
			return ev, nil
		}
	}
}

func (c *Client) readFailure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if c.ReadyState() == StateClosed {
		return ErrClosed
	}
	c.markFailed()
	if errors.Is(err, io.EOF) {
		return ErrClosed
	}
	return fmt.Errorf("read line: %w", err)
}

// frame accumulates fields until a blank line dispatches them.
type frame struct {
	ev   Event
	data []string
}

func (f *frame) feed(line string) (Event, bool) {
	if line == "" {
		if len(f.data) == 0 && f.ev.Event == "" && f.ev.ID == "" {
			return Event{}, false
		}
		ev := f.ev
		ev.Data = strings.Join(f.data, "\n")
		*f = frame{}
		return ev, true
	}

	name, value, ok := strings.Cut(line, ":")
	if !ok || name == "" {
		// Comment, or a field line without a value.
		return Event{}, false
	}
	value = strings.TrimPrefix(value, " ")
	switch name {
	case "id":
		f.ev.ID = value
	case "event":
		f.ev.Event = value
	case "data":
		f.data = append(f.data, value)
	}
	return Event{}, false
}

// Close ends the subscription and unblocks a pending ReadEvent.
func (c *Client) Close() error {
	c.state.Store(int32(StateClosed))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.body == nil {
		return nil
	}
	err := c.body.Close()
	c.body, c.lines = nil, nil
	return err
}

// Metrics returns the subscription counters so far.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()

	m := Metrics{
		EventsReceived: c.events.Load(),
		BytesReceived:  c.bytes.Load(),
		Errors:         c.errs.Load(),
	}
	if !opened.IsZero() {
		m.ConnectionDuration = time.Since(opened)
	}
	return m
}
