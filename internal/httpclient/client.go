// Package httpclient builds the outbound HTTP clients used to reach the
// assistant backend and the risk-rule service.
package httpclient

import (
	"net"
	"net/http"
	"time"

	"codechat/internal/version"
)

// Transport defaults.
const (
	DefaultTimeout       = 600 * time.Second
	DefaultHeaderTimeout = 600 * time.Second
	maxIdlePerHost       = 16
	idleTimeout          = 90 * time.Second
	dialTimeout          = 30 * time.Second
	tlsTimeout           = 10 * time.Second
)

type settings struct {
	timeout       time.Duration
	headerTimeout time.Duration
	userAgent     string
	base          http.RoundTripper
}

// Option customizes a client built by New.
type Option func(*settings)

// WithTimeout bounds the whole exchange, body included. Zero means no limit;
// negative values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.timeout = d
		}
	}
}

// WithHeaderTimeout bounds the wait for response headers. Non-positive
// values keep the default.
func WithHeaderTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.headerTimeout = d
		}
	}
}

// Seconds is a convenience for config values expressed in whole seconds.
// Non-positive values keep the defaults.
func Seconds(timeout, headerTimeout int) Option {
	return func(s *settings) {
		if timeout > 0 {
			s.timeout = time.Duration(timeout) * time.Second
		}
		WithHeaderTimeout(time.Duration(headerTimeout) * time.Second)(s)
	}
}

// Streaming drops the overall timeout: an event stream is read for as long
// as the assistant keeps talking, bounded only by the request context.
// It must come after any option that sets the timeout.
func Streaming() Option {
	return func(s *settings) { s.timeout = 0 }
}

// WithUserAgent overrides the User-Agent sent on every request.
func WithUserAgent(ua string) Option {
	return func(s *settings) { s.userAgent = ua }
}

// WithTransport replaces the pooled transport, mostly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *settings) { s.base = rt }
}

// New returns a client with a pooled transport. Compression is left to the
// caller so brotli bodies can be decoded alongside gzip.
func New(opts ...Option) *http.Client {
	s := settings{
		timeout:       DefaultTimeout,
		headerTimeout: DefaultHeaderTimeout,
		userAgent:     "codechat/" + version.Version,
	}
	for _, opt := range opts {
		opt(&s)
	}

	base := s.base
	if base == nil {
		base = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          4 * maxIdlePerHost,
			MaxIdleConnsPerHost:   maxIdlePerHost,
			IdleConnTimeout:       idleTimeout,
			TLSHandshakeTimeout:   tlsTimeout,
			ResponseHeaderTimeout: s.headerTimeout,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
			DisableCompression:    true,
		}
	}

	return &http.Client{
		Transport: &agentTransport{base: base, agent: s.userAgent},
		Timeout:   s.timeout,
	}
}

type agentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *agentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent == "" || req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}
