// Package connectors holds the outbound collaborators of the engine: the
// HTTP caller used by api and webhook nodes and the notifiers used by email,
// sms and notification nodes.
package connectors

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

	"flowpilot/workflow"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// maxResponseBody caps how much of a response body is read.
const maxResponseBody = 1 << 20

// BreakerConfig configures the per-host circuit breakers.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `mapstructure:"maxRequests"`
	// Interval after which closed-state counts are cleared.
	Interval time.Duration `mapstructure:"interval"`
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `mapstructure:"openTimeout"`
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `mapstructure:"consecutiveFailures"`
}

// DefaultBreakerConfig returns conservative breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// HTTPCaller implements workflow.HTTPCaller over net/http with one circuit
// breaker per target host. Transport errors and 5xx responses count as
// failures.
type HTTPCaller struct {
	client  *http.Client
	timeout time.Duration
	breaker BreakerConfig
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ workflow.HTTPCaller = (*HTTPCaller)(nil)

// NewHTTPCaller creates a caller. timeout applies when a request carries
// none of its own.
func NewHTTPCaller(timeout time.Duration, breaker BreakerConfig, logger *zap.Logger) *HTTPCaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCaller{
		client:   &http.Client{},
		timeout:  timeout,
		breaker:  breaker,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// serverError carries a 5xx response through the breaker as a failure.
type serverError struct {
	resp *workflow.HTTPResponse
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server responded %d", e.resp.StatusCode)
}

// Do implements workflow.HTTPCaller.
func (c *HTTPCaller) Do(ctx context.Context, req workflow.HTTPRequest) (*workflow.HTTPResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	cb := c.breakerFor(u.Host)

	out, err := cb.Execute(func() (interface{}, error) {
		resp, err := c.do(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, &serverError{resp: resp}
		}
		return resp, nil
	})
	var se *serverError
	if errors.As(err, &se) {
		return se.resp, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("circuit for %s: %w", u.Host, err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*workflow.HTTPResponse), nil
}

func (c *HTTPCaller) do(ctx context.Context, req workflow.HTTPRequest) (*workflow.HTTPResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("External call finished",
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)))
	return &workflow.HTTPResponse{StatusCode: resp.StatusCode, Body: decodeBody(resp.Header.Get("Content-Type"), raw)}, nil
}

func decodeBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") || json.Valid(raw) {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func (c *HTTPCaller) breakerFor(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	threshold := c.breaker.ConsecutiveFailures
	if threshold == 0 {
		threshold = DefaultBreakerConfig().ConsecutiveFailures
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: c.breaker.MaxRequests,
		Interval:    c.breaker.Interval,
		Timeout:     c.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[host] = cb
	return cb
}

// BreakerState returns the breaker state for host, or closed when no call
// has been made to it yet.
func (c *HTTPCaller) BreakerState(host string) gobreaker.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}
