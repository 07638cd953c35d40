// Package upstream is the HTTP plumbing shared by the Sonarr, Radarr, Plex
// and request-tracker clients: timeouts, a per-host rate limit, a circuit
// breaker and JSON decoding.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/marquee/internal/circuitbreaker"
	"github.com/lalithlochan/marquee/internal/metrics"
)

// ErrNotFound is returned for a 404. It does not trip the breaker.
var ErrNotFound = errors.New("upstream: not found")

// ErrNotConfigured is returned by clients whose base URL is empty.
var ErrNotConfigured = errors.New("upstream: not configured")

// StatusError is a non-2xx response other than 404.
type StatusError struct {
	Service string
	Method  string
	Path    string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s %s: status %d: %s", e.Service, e.Method, e.Path, e.Code, e.Body)
}

// Config describes one upstream service.
type Config struct {
	Name    string
	BaseURL string
	Timeout time.Duration
	RPS     float64
	// Headers is applied to every request (API keys, Accept).
	Headers map[string]string
}

// Client issues JSON requests against one service.
type Client struct {
	name    string
	base    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	headers map[string]string
	logger  *zap.Logger
}

// New builds a client. A zero RPS disables client-side rate limiting.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		burst = int(cfg.RPS) + 1
	}

	bcfg := circuitbreaker.DefaultConfig(cfg.Name)
	bcfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
	}

	return &Client{
		name:    cfg.Name,
		base:    cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		breaker: circuitbreaker.New(bcfg, logger),
		headers: cfg.Headers,
		logger:  logger,
	}
}

// Name returns the service name.
func (c *Client) Name() string { return c.name }

// Configured reports whether a base URL was provided.
func (c *Client) Configured() bool { return c != nil && c.base != "" }

// Breaker exposes the circuit breaker for health output.
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.breaker }

// GetJSON fetches path with query and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON sends in as JSON and decodes the response into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, in, out)
}

// Delete issues a DELETE with optional query parameters.
func (c *Client) Delete(ctx context.Context, path string, query url.Values) error {
	return c.do(ctx, http.MethodDelete, path, query, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limit wait: %w", c.name, err)
	}

	err := c.breaker.Execute(func() error {
		return c.roundTrip(ctx, method, path, query, in, out)
	})

	switch {
	case err == nil:
		metrics.RecordUpstream(c.name, "ok")
	case errors.Is(err, ErrNotFound):
		metrics.RecordUpstream(c.name, "not_found")
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		metrics.RecordUpstream(c.name, "rejected")
	default:
		metrics.RecordUpstream(c.name, "error")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", c.name, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", c.name, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", c.name, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Service: c.name, Method: method, Path: path, Code: resp.StatusCode, Body: string(snippet)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", c.name, path, err)
	}
	return nil
}
