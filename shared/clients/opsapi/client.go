package opsapi

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
	"sync"
	"time"

	"k8s.io/utils/clock"

	"airport-ops-console/shared/config"
	"airport-ops-console/shared/metricsx"
	"airport-ops-console/shared/observability"
)

var (
	ErrCircuitOpen  = errors.New("ops api circuit open")
	ErrUnauthorized = errors.New("ops api unauthorized")
)

// StatusError is returned for non-2xx answers that are not retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ops api error %d: %s", e.StatusCode, e.Body)
}

// Client talks to the ops backend REST collaborators: snapshot collections,
// incident actions and evidence lookup.
type Client struct {
	baseURL  string
	token    string
	retryMax int
	http     *http.Client
	breaker  *circuitBreaker
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithClock(clk clock.PassiveClock) Option {
	return func(c *Client) { c.breaker.clock = clk }
}

func New(cfg config.Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.OpsAPIURL), "/")
	if base == "" {
		return nil, errors.New("OPS_API_URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("OPS_API_URL: %w", err)
	}
	c := &Client{
		baseURL:  base,
		token:    cfg.OpsAPIToken,
		retryMax: cfg.OpsAPIRetry,
		http: &http.Client{
			Timeout:   cfg.OpsAPITimeout(),
			Transport: observability.HTTPTransport(nil),
		},
		breaker: newCircuitBreaker(5, 30*time.Second, clock.RealClock{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// List fetches a collection endpoint and returns the raw body.
func (c *Client) List(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) ClaimIncident(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/incidents/"+url.PathEscape(id)+"/claim", nil)
	return err
}

type transitionRequest struct {
	ToState     string `json:"to_state"`
	TriggeredBy string `json:"triggered_by"`
}

func (c *Client) TransitionIncident(ctx context.Context, id string, toState string) error {
	_, err := c.do(ctx, http.MethodPost, "/incidents/"+url.PathEscape(id)+"/transition",
		transitionRequest{ToState: toState, TriggeredBy: "operator"})
	return err
}

// Evidence returns the evidence list for an incident as the backend sent it.
func (c *Client) Evidence(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/incidents/"+url.PathEscape(id)+"/evidence", nil)
}

func (c *Client) do(ctx context.Context, method string, path string, payload any) (json.RawMessage, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("ops api client not initialized")
	}
	if c.breaker.Open() {
		metricsx.IncOpsAPIFailure()
		return nil, ErrCircuitOpen
	}
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = b
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, retry, err := c.once(ctx, method, path, body)
		if err == nil {
			c.breaker.Success()
			metricsx.ObserveOpsAPILatency(time.Since(start))
			return out, nil
		}
		lastErr = err
		if !retry {
			metricsx.IncOpsAPIFailure()
			return nil, err
		}
		c.breaker.Fail()
	}
	metricsx.IncOpsAPIFailure()
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method string, path string, body []byte) (json.RawMessage, bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, true, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, false, ErrUnauthorized
	case resp.StatusCode >= 500:
		return nil, true, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, false, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	case resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0:
		return nil, false, nil
	}
	return json.RawMessage(raw), false, nil
}

type circuitBreaker struct {
	mu            sync.Mutex
	clock         clock.PassiveClock
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration, clk clock.PassiveClock) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset, clock: clk}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if b.clock.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.clock.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
