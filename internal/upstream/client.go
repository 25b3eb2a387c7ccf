// Package upstream talks to the assistant backend. It provides:
//   - streaming requests decoded into text fragments
//   - JSON requests with retries and exponential backoff
//   - standardized error parsing
//   - circuit breaking
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"codechat/internal/core"
	"codechat/internal/httpclient"
	"codechat/internal/stream"
)

// Config describes one backend: the assistant, or the risk-rule service.
type Config struct {
	Name    string // used in errors and logs
	BaseURL string

	// Do retries transport failures and 429/5xx answers. Stream never retries.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// CircuitBreaker is nil to always send.
	CircuitBreaker *CircuitBreakerConfig

	// StreamOptions apply to every decoder from Stream, before per-call options.
	StreamOptions []stream.Option
}

// CircuitBreakerConfig tunes the breaker in front of a backend.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures that trip it
	SuccessThreshold int           // trial successes that close it
	Timeout          time.Duration // cool-down before probing
}

// DefaultConfig returns settings suited to an interactive assistant: a few
// quick retries and a breaker that trips after five straight failures.
func DefaultConfig(name, baseURL string) Config {
	return Config{
		Name:           name,
		BaseURL:        baseURL,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2,
		CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second},
	}
}

// HeaderSetter decorates every outgoing request, typically with credentials.
type HeaderSetter func(req *http.Request)

// BearerToken authenticates with token. An empty token sets nothing.
func BearerToken(token string) HeaderSetter {
	return func(req *http.Request) {
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// Client is an HTTP client for the assistant backend
type Client struct {
	httpClient     *http.Client
	config         Config
	headerSetter   HeaderSetter
	circuitBreaker *circuitBreaker
}

// New creates a client using a streaming-friendly HTTP client
func New(config Config, headerSetter HeaderSetter) *Client {
	return NewWithHTTPClient(httpclient.New(httpclient.Streaming()), config, headerSetter)
}

// NewWithHTTPClient creates a client with a custom HTTP client
func NewWithHTTPClient(httpClient *http.Client, config Config, headerSetter HeaderSetter) *Client {
	c := &Client{
		httpClient:   httpClient,
		config:       config,
		headerSetter: headerSetter,
	}

	if config.CircuitBreaker != nil {
		c.circuitBreaker = newCircuitBreaker(
			config.CircuitBreaker.FailureThreshold,
			config.CircuitBreaker.SuccessThreshold,
			config.CircuitBreaker.Timeout,
		)
	}

	return c
}

// BaseURL returns the current base URL
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Name returns the configured backend name
func (c *Client) Name() string {
	return c.config.Name
}

// CircuitState reports the breaker state: "closed", "open", "half-open", or
// "disabled" when no breaker is configured.
func (c *Client) CircuitState() string {
	if c.circuitBreaker == nil {
		return "disabled"
	}
	return c.circuitBreaker.State()
}

// Request represents an HTTP request to be made
type Request struct {
	Method   string
	Endpoint string
	Body     any // JSON marshaled if not nil
	Headers  map[string]string
}

// Response represents a buffered HTTP response
type Response struct {
	StatusCode int
	Body       []byte
}

// Do executes a request with retries and circuit breaking, then unmarshals the response
func (c *Client) Do(ctx context.Context, req Request, result any) error {
	resp, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return core.NewUpstreamError(c.config.Name, http.StatusBadGateway, "failed to unmarshal response: "+err.Error(), err)
		}
	}

	return nil
}

// DoRaw sends req, retrying transport failures and retryable statuses with
// exponential backoff, and returns the buffered 200 response.
func (c *Client) DoRaw(ctx context.Context, req Request) (*Response, error) {
	t, ok := c.admit()
	if !ok {
		return nil, c.circuitOpenError()
	}
	defer t.release()

	attempts := max(c.config.MaxRetries+1, 1)
	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			timer := time.NewTimer(c.calculateBackoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := c.doRequest(ctx, req)
		switch {
		case err != nil:
			if !isTransportError(err) {
				return nil, err
			}
			t.failure()
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
		case resp.StatusCode == http.StatusOK:
			t.success()
			return resp, nil
		case isRetryable(resp.StatusCode):
			t.failure()
			lastErr = core.ParseUpstreamError(c.config.Name, resp.StatusCode, resp.Body, nil)
		default:
			// 4xx answers say nothing about backend health
			if resp.StatusCode >= http.StatusInternalServerError {
				t.failure()
			}
			return nil, core.ParseUpstreamError(c.config.Name, resp.StatusCode, resp.Body, nil)
		}
	}
	return nil, lastErr
}

// Stream sends req and returns a decoder over the response body.
// Streaming requests are never retried: part of the reply may already have
// been consumed by the time a failure is noticed. The caller owns the
// returned decoder and must Complete or Close it.
func (c *Client) Stream(ctx context.Context, req Request, opts ...stream.Option) (*stream.Decoder, error) {
	t, ok := c.admit()
	if !ok {
		return nil, c.circuitOpenError()
	}
	defer t.release()

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		t.failure()
		return nil, core.NewTransportError(c.config.Name, "failed to send request: "+err.Error(), err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, readErr := readBody(resp)
		if readErr != nil {
			respBody = []byte("failed to read error response")
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			t.failure()
		}
		return nil, core.ParseUpstreamError(c.config.Name, resp.StatusCode, respBody, nil)
	}

	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		_ = resp.Body.Close()
		t.failure()
		return nil, core.NewTransportError(c.config.Name, "failed to decode response: "+err.Error(), err)
	}

	t.success()
	decoderOpts := append(append([]stream.Option{}, c.config.StreamOptions...), opts...)
	return stream.NewDecoder(body, decoderOpts...), nil
}

func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewTransportError(c.config.Name, "failed to send request: "+err.Error(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := readBody(resp)
	if err != nil {
		return nil, core.NewTransportError(c.config.Name, "failed to read response: "+err.Error(), err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	url := c.config.BaseURL + req.Endpoint

	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to create request", err)
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)

	requestID := core.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	httpReq.Header.Set("X-Request-Id", requestID)
	if sessionID := core.GetSessionID(ctx); sessionID != "" {
		httpReq.Header.Set("X-Session-Id", sessionID)
	}

	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}

	// Request-specific headers win over everything above
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

func (c *Client) circuitOpenError() *core.Error {
	return core.NewUpstreamError(c.config.Name, http.StatusServiceUnavailable,
		"circuit breaker is open - backend temporarily unavailable", nil)
}

// ticket tracks one admitted call. Every outcome is reported to the breaker;
// a half-open trial that ends without one gives its slot back on release.
type ticket struct {
	cb      *circuitBreaker
	trial   bool
	settled bool
}

func (c *Client) admit() (*ticket, bool) {
	if c.circuitBreaker == nil {
		return &ticket{}, true
	}
	ok, trial := c.circuitBreaker.acquire()
	return &ticket{cb: c.circuitBreaker, trial: trial}, ok
}

func (t *ticket) failure() {
	t.settled = true
	if t.cb != nil {
		t.cb.RecordFailure()
	}
}

func (t *ticket) success() {
	t.settled = true
	if t.cb != nil {
		t.cb.RecordSuccess()
	}
}

func (t *ticket) release() {
	if t.cb != nil && t.trial && !t.settled {
		t.cb.ReleaseTrial()
	}
}

func isTransportError(err error) bool {
	var coreErr *core.Error
	return errors.As(err, &coreErr) && coreErr.Type == core.ErrorTypeTransport
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := float64(c.config.InitialBackoff) * math.Pow(c.config.BackoffFactor, float64(attempt-1))
	if backoff > float64(c.config.MaxBackoff) {
		backoff = float64(c.config.MaxBackoff)
	}
	return time.Duration(backoff)
}

func isRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusGatewayTimeout
}
