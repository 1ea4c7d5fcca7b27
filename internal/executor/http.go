package executor

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

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrHTTPStatus is returned for responses outside the 2xx range.
var ErrHTTPStatus = errors.New("unexpected HTTP status")

// ErrResponseTooLarge is returned when a response body exceeds
// HTTPPolicy.MaxBodyBytes.
var ErrResponseTooLarge = errors.New("response body too large")

// HTTPPolicy configures the per-host circuit breaker and rate limiter.
type HTTPPolicy struct {
	// RequestsPerSecond limits calls per host. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long an open breaker rejects calls.
	OpenTimeout time.Duration

	DefaultTimeout time.Duration
	MaxBodyBytes   int64
}

func (p HTTPPolicy) withDefaults() HTTPPolicy {
	if p.Burst <= 0 {
		p.Burst = 10
	}
	if p.FailureThreshold == 0 {
		p.FailureThreshold = 5
	}
	if p.OpenTimeout <= 0 {
		p.OpenTimeout = 30 * time.Second
	}
	if p.DefaultTimeout <= 0 {
		p.DefaultTimeout = 30 * time.Second
	}
	if p.MaxBodyBytes <= 0 {
		p.MaxBodyBytes = 1 << 20
	}
	return p
}

// HTTPRequest is an outbound call made by a task or integration step.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
	Timeout time.Duration
}

// HTTPResponse is the decoded result of an HTTPRequest.
type HTTPResponse struct {
	StatusCode int
	// Body is the JSON-decoded body when possible, otherwise the raw text.
	Body any

	oversized bool
}

// HTTPCaller performs outbound calls guarded per host by a circuit breaker
// and a rate limiter.
type HTTPCaller struct {
	client *http.Client
	policy HTTPPolicy

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

// NewHTTPCaller creates a caller. A nil client uses http.DefaultClient.
func NewHTTPCaller(client *http.Client, policy HTTPPolicy) *HTTPCaller {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCaller{
		client:   client,
		policy:   policy.withDefaults(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *HTTPCaller) guards(host string) (*gobreaker.CircuitBreaker, *rate.Limiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[host]
	if !ok {
		threshold := c.policy.FailureThreshold
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    host,
			Timeout: c.policy.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		c.breakers[host] = cb
	}

	var lim *rate.Limiter
	if c.policy.RequestsPerSecond > 0 {
		lim, ok = c.limiters[host]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(c.policy.RequestsPerSecond), c.policy.Burst)
			c.limiters[host] = lim
		}
	}
	return cb, lim
}

// BreakerState reports the breaker state for host.
func (c *HTTPCaller) BreakerState(host string) gobreaker.State {
	cb, _ := c.guards(host)
	return cb.State()
}

// Do performs req. Server errors (5xx) and transport failures count against
// the host's breaker; any non-2xx status is returned as ErrHTTPStatus.
func (c *HTTPCaller) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}

	cb, lim := c.guards(u.Host)
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", u.Host, err)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.policy.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := cb.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, u.String(), req)
	})
	var resp *HTTPResponse
	if r, ok := result.(*HTTPResponse); ok {
		resp = r
	}
	if err != nil {
		return resp, err
	}
	if resp.oversized {
		return nil, fmt.Errorf("%w: %s %s exceeded %d bytes", ErrResponseTooLarge, method, u.Redacted(), c.policy.MaxBodyBytes)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, fmt.Errorf("%w %d from %s %s", ErrHTTPStatus, resp.StatusCode, method, u.Redacted())
	}
	return resp, nil
}

func (c *HTTPCaller) roundTrip(ctx context.Context, method, target string, req HTTPRequest) (*HTTPResponse, error) {
	var body io.Reader
	contentType := ""
	switch b := req.Body.(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
		contentType = "text/plain; charset=utf-8"
	case []byte:
		body = bytes.NewReader(b)
		contentType = "application/octet-stream"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, c.policy.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	resp := &HTTPResponse{StatusCode: httpResp.StatusCode}
	if int64(len(raw)) > c.policy.MaxBodyBytes {
		// Not a host failure by itself; Do reports it outside the breaker.
		resp.oversized = true
	} else {
		resp.Body = decodeBody(raw)
	}
	if httpResp.StatusCode >= 500 {
		return resp, fmt.Errorf("%w %d from %s %s", ErrHTTPStatus, httpResp.StatusCode, method, httpReq.URL.Redacted())
	}
	return resp, nil
}

func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil && !dec.More() {
		return v
	}
	return string(raw)
}
