// Package fetch wraps calls to unreliable HTTP providers with bounded
// exponential backoff.
//
// A Policy's classifier decides, per response, whether the call succeeded,
// is worth retrying, or failed for good. Providers that are still rendering
// an artifact answer "not found" for a while; those responses are retried up
// to MaxAttempts. Auth failures are retried a small, separate number of
// times because gateways occasionally reject valid keys.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// Class is the classifier's verdict for one attempt.
type Class int

const (
	ClassOK Class = iota
	ClassNotReady
	ClassTransientAuth
	ClassTransient
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassNotReady:
		return "not_ready"
	case ClassTransientAuth:
		return "transient_auth"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Classifier maps one attempt's outcome to a Class. resp is nil when err
// is a transport error.
type Classifier func(resp *Response, err error) Class

// Policy configures retries for one kind of call.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	MaxAuthRetries int
	Classify       Classifier
}

// DefaultPolicy returns a policy with 5 attempts and 1s, 2s, 4s, 8s delays.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		BaseDelay:      1 * time.Second,
		Multiplier:     2.0,
		MaxDelay:       16 * time.Second,
		MaxAuthRetries: 2,
		Classify:       ClassifyStatus,
	}
}

// ClassifyStatus is the default classifier: 2xx succeeds, 404 means not
// ready yet, 401/403 are transient auth failures, transport errors are
// transient, everything else is fatal.
func ClassifyStatus(resp *Response, err error) Class {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ClassFatal
		}
		return ClassTransient
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ClassOK
	case resp.StatusCode == http.StatusNotFound:
		return ClassNotReady
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ClassTransientAuth
	}
	return ClassFatal
}

// FetchError is returned when a call fails terminally or exhausts its
// attempts.
type FetchError struct {
	Attempts   int
	LastStatus int
	LastClass  Class
	Body       []byte
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch failed after %d attempt(s)", e.Attempts)
	if e.LastStatus != 0 {
		msg += fmt.Sprintf(": status %d", e.LastStatus)
	}
	if len(e.Body) > 0 {
		msg += fmt.Sprintf(": %s", truncate(e.Body, 512))
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Exhausted reports whether the call stopped because attempts ran out
// rather than because the provider returned a terminal status.
func (e *FetchError) Exhausted() bool {
	return e.LastClass != ClassFatal
}

// RequestFunc builds a fresh request for each attempt.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Observer is notified after every attempt.
type Observer func(attempt int, class Class)

// Client executes requests under a Policy.
type Client struct {
	http     *http.Client
	clock    Clock
	logger   *slog.Logger
	observer Observer
}

// Option configures a Client.
type Option func(*Client)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithObserver registers a per-attempt callback, used for metrics.
func WithObserver(o Observer) Option {
	return func(cl *Client) { cl.observer = o }
}

// New creates a Client. A nil httpClient uses http.DefaultClient.
func New(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		http:   httpClient,
		clock:  realClock{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do runs build and sends the request until the classifier reports
// success, a terminal failure, or the policy's attempts are used up.
func (c *Client) Do(ctx context.Context, build RequestFunc, p Policy) (*Response, error) {
	p = p.withDefaults()

	var (
		last        *Response
		lastErr     error
		lastClass   Class
		authRetries int
	)

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		last, lastErr = c.once(ctx, build)
		lastClass = p.Classify(last, lastErr)
		if c.observer != nil {
			c.observer(attempt, lastClass)
		}

		switch lastClass {
		case ClassOK:
			return last, nil
		case ClassFatal:
			return nil, c.fail(attempt, last, lastErr, lastClass)
		case ClassTransientAuth:
			if authRetries >= p.MaxAuthRetries {
				return nil, c.fail(attempt, last, lastErr, lastClass)
			}
			authRetries++
		}

		if attempt == p.MaxAttempts {
			break
		}

		wait := p.delay(attempt)
		c.logger.Debug("retrying provider call",
			"attempt", attempt,
			"class", lastClass.String(),
			"wait", wait,
		)
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return nil, &FetchError{Attempts: attempt, LastStatus: statusOf(last), LastClass: lastClass, Err: err}
		}
	}

	return nil, c.fail(p.MaxAttempts, last, lastErr, lastClass)
}

func (c *Client) once(ctx context.Context, build RequestFunc) (*Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) fail(attempts int, resp *Response, err error, class Class) *FetchError {
	fe := &FetchError{Attempts: attempts, LastClass: class, Err: err}
	if resp != nil {
		fe.LastStatus = resp.StatusCode
		fe.Body = resp.Body
	}
	return fe
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.Classify == nil {
		p.Classify = d.Classify
	}
	if p.MaxAuthRetries < 0 {
		p.MaxAuthRetries = 0
	}
	return p
}

// delay returns the wait after the given 1-based attempt:
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	wait := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && wait > float64(p.MaxDelay) {
		wait = float64(p.MaxDelay)
	}
	return time.Duration(wait)
}

func statusOf(r *Response) int {
	if r == nil {
		return 0
	}
	return r.StatusCode
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
