// Package api is the REST client for the car-wash backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gojektech/heimdall/v6"
	"github.com/gojektech/heimdall/v6/httpclient"
	"github.com/sirupsen/logrus"

	"carwash/internal/config"
	"carwash/internal/monitor"
	"carwash/pkg/breaker"
	"carwash/pkg/log"
)

const maxResponseSize = 1 << 20

var (
	ErrNotFound          = errors.New("resource not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrMalformedResponse = errors.New("malformed response")
)

// StatusError is a non-2xx answer from the backend
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Message)
}

// Temporary reports whether retrying later may succeed
func (e *StatusError) Temporary() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// Option customizes a Client
type Option func(*Client)

// WithMetrics records REST latency
func WithMetrics(m *monitor.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer wraps every call in a client span
func WithTracer(t *monitor.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithDoer replaces the underlying HTTP client
func WithDoer(d heimdall.Doer) Option {
	return func(c *Client) { c.doer = d }
}

// Client talks to the backend REST API
type Client struct {
	base     *url.URL
	token    string
	doer     heimdall.Doer
	http     *httpclient.Client
	breakers *breaker.Manager
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	logger   *logrus.Entry
}

// NewClient creates a client from the api configuration
func NewClient(cfg *config.APIConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api base url must be absolute: %q", cfg.BaseURL)
	}

	c := &Client{
		base:   base,
		token:  cfg.Token,
		logger: log.Component("api"),
	}
	for _, opt := range opts {
		opt(c)
	}

	backoff := heimdall.NewConstantBackoff(cfg.RetryInterval, 5*time.Millisecond)
	clientOpts := []httpclient.Option{
		httpclient.WithHTTPTimeout(cfg.Timeout),
		httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
		httpclient.WithRetryCount(cfg.Retries),
	}
	if c.doer != nil {
		clientOpts = append(clientOpts, httpclient.WithHTTPClient(c.doer))
	}
	c.http = httpclient.NewClient(clientOpts...)

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	c.breakers = breaker.NewManager(breaker.Config{
		Timeout:      cfg.BreakerTimeout,
		ReadyToTrip:  breaker.ConsecutiveFailures(failures),
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to breaker.State) {
			c.logger.WithFields(logrus.Fields{
				"endpoint": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("api circuit breaker state changed")
		},
	})

	return c, nil
}

// countsAsSuccess keeps client-side errors from opening the breaker
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return false
}

// BreakerStates exposes the per-endpoint breaker states for /health
func (c *Client) BreakerStates() map[string]string {
	states := make(map[string]string)
	for name, s := range c.breakers.States() {
		states[name] = s.String()
	}
	return states
}

type request struct {
	endpoint string
	method   string
	path     string
	body     interface{}
	header   http.Header
}

func (c *Client) do(ctx context.Context, r request, out interface{}) error {
	err := c.breakers.Execute(ctx, r.endpoint, func(ctx context.Context) error {
		start := time.Now()
		err := c.roundTrip(ctx, r, out)
		c.metrics.ObserveREST(r.endpoint, start, err)
		if err != nil && ctx.Err() == nil {
			c.logger.WithFields(logrus.Fields{
				"endpoint": r.endpoint,
				"path":     r.path,
			}).WithError(err).Debug("api request failed")
		}
		return err
	})
	if breaker.IsCircuitBreakerError(err) {
		c.logger.WithField("endpoint", r.endpoint).Debug("api request rejected by breaker")
		return fmt.Errorf("%s: %w", r.endpoint, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, r request, out interface{}) error {
	var body io.Reader
	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", r.endpoint, err)
		}
		body = bytes.NewReader(raw)
	}

	u := *c.base
	u.Path = c.base.Path + r.path

	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", r.endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range r.header {
		req.Header[k] = v
	}

	ctx, span := c.tracer.StartClientSpan(ctx, r.endpoint, req)
	defer span.End()
	c.tracer.InjectHTTPHeaders(ctx, req.Header)
	req = req.WithContext(ctx)

	resp, err := c.http.Do(req)
	if err != nil {
		c.tracer.RecordError(span, err)
		return fmt.Errorf("%s request: %w", r.endpoint, err)
	}
	defer resp.Body.Close()
	c.tracer.SetHTTPStatus(span, resp.StatusCode)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read %s response: %w", r.endpoint, err)
	}

	if err := statusError(resp.StatusCode, raw); err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, r.endpoint, err)
	}
	return nil
}

func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}

	msg := http.StatusText(code)
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		msg = payload.Message
	}

	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	}
	return &StatusError{Code: code, Message: msg}
}
