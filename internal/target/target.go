// Package target talks to the service under test: it builds push-stream
// URLs and issues save-answers writes and connected-users probes.
package target

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultStreamPath    = "/sync-timer"
	DefaultWritePath     = "/save-answers"
	DefaultConnectedPath = "/connected-users"

	maxErrorBodyBytes = 4096
)

// Answers is the synthetic payload of one write.
type Answers struct {
	Question1 string `json:"question1"`
	Question2 string `json:"question2"`
	Timestamp string `json:"timestamp"`
}

// SaveAnswersRequest is the JSON body accepted by the write endpoint.
type SaveAnswersRequest struct {
	Answers Answers `json:"answers"`
}

// StatusError is returned when the target answers with a non-2xx status.
type StatusError struct {
	Code int
	// Data is the decoded JSON error body, the raw body text, or nil.
	Data any
	// ServerMessage is the "error" or "message" field of a JSON body, if any.
	ServerMessage string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Request failed with status code %d", e.Code)
}

// Paths overrides endpoint locations on the target.
type Paths struct {
	Stream    string
	Write     string
	Connected string
}

func (p Paths) withDefaults() Paths {
	if p.Stream == "" {
		p.Stream = DefaultStreamPath
	}
	if p.Write == "" {
		p.Write = DefaultWritePath
	}
	if p.Connected == "" {
		p.Connected = DefaultConnectedPath
	}
	return p
}

// HeaderInjector adds per-request headers derived from ctx, such as trace context.
type HeaderInjector func(ctx context.Context, headers http.Header)

// Client issues requests against one target base URL.
type Client struct {
	base   *url.URL
	paths  Paths
	http    *http.Client
	headers http.Header
	inject  HeaderInjector
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithPaths overrides endpoint paths.
func WithPaths(p Paths) Option {
	return func(c *Client) { c.paths = p.withDefaults() }
}

// WithHeaders adds static headers to every write and probe.
func WithHeaders(h http.Header) Option {
	return func(c *Client) { c.headers = h.Clone() }
}

// WithHeaderInjector sets a hook run on every outgoing write and probe.
func WithHeaderInjector(fn HeaderInjector) Option {
	return func(c *Client) { c.inject = fn }
}

// New parses baseURL and returns a Client.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("target URL is required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse target URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("target URL must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("target URL %q has no host", baseURL)
	}

	c := &Client{
		base:  u,
		paths: Paths{}.withDefaults(),
		http:  NewHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewHTTPClient returns a pooled client without an overall timeout, since
// writes may take arbitrarily long and streams stay open for minutes.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          4096,
		MaxIdleConnsPerHost:   1024,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Transport: transport}
}

// HTTPClient exposes the underlying client so streams can share its transport.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// BaseURL returns the normalised target base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) endpoint(path string, userID int, scoped bool) string {
	u := *c.base
	u.Path = c.base.Path + path
	if scoped {
		q := url.Values{}
		q.Set("userId", strconv.Itoa(userID))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// StreamURL returns the push-stream URL scoped to userID.
func (c *Client) StreamURL(userID int) string {
	return c.endpoint(c.paths.Stream, userID, true)
}

// WriteURL returns the save-answers URL scoped to userID.
func (c *Client) WriteURL(userID int) string {
	return c.endpoint(c.paths.Write, userID, true)
}

// SaveAnswers posts body for userID. No timeout is applied beyond ctx. On a
// non-2xx response it returns the status code and a *StatusError.
func (c *Client) SaveAnswers(ctx context.Context, userID int, body SaveAnswersRequest) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode answers: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.WriteURL(userID), bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	c.decorate(ctx, req.Header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_, _ = io.Copy(io.Discard, resp.Body)
		statusErr := &StatusError{Code: resp.StatusCode}
		if readErr == nil {
			statusErr.Data, statusErr.ServerMessage = decodeErrorBody(snippet)
		}
		return resp.StatusCode, statusErr
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// ConnectedUsers asks the target how many push-stream subscribers it holds.
func (c *Client) ConnectedUsers(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.paths.Connected, 0, false), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	c.decorate(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return 0, fmt.Errorf("read connected users: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{Code: resp.StatusCode}
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		return 0, fmt.Errorf("parse connected users %q: %w", body, err)
	}
	return n, nil
}

func (c *Client) decorate(ctx context.Context, h http.Header) {
	for key, values := range c.headers {
		for _, v := range values {
			h.Add(key, v)
		}
	}
	if c.inject != nil {
		c.inject(ctx, h)
	}
}

// decodeErrorBody turns a response body into a loggable value and pulls a
// human-readable message out of JSON bodies.
func decodeErrorBody(body []byte) (any, string) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ""
	}
	if !gjson.ValidBytes(trimmed) {
		return string(trimmed), ""
	}

	parsed := gjson.ParseBytes(trimmed)
	var message string
	for _, path := range []string{"error.message", "message", "error", "detail"} {
		if r := parsed.Get(path); r.Exists() && r.Type == gjson.String {
			message = r.String()
			break
		}
	}
	return parsed.Value(), message
}
