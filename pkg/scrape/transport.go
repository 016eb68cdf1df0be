package scrape

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for transport operations.
var (
	transportRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_transport_requests_total",
		Help: "Total transported requests by outcome",
	}, []string{"outcome"})

	transportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scraper_transport_duration_seconds",
		Help:    "Transport request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// Transport executes a single prepared request through an optional proxy
// with the given cookies attached. Implementations own all network I/O
// and timeout enforcement; they must return a *TransportError on failure.
type Transport interface {
	Execute(ctx context.Context, req *Request, proxyURL string, cookies map[string]string, timeout time.Duration) (*Response, error)
}

// HTTPTransportConfig holds HTTPTransport configuration.
type HTTPTransportConfig struct {
	// VerifySSL enables TLS certificate verification.
	VerifySSL bool

	// FollowRedirects enables automatic redirect following.
	FollowRedirects bool

	// MaxRedirects bounds redirect chains when FollowRedirects is set.
	MaxRedirects int

	Logger zerolog.Logger
}

// DefaultHTTPTransportConfig returns a safe default configuration.
func DefaultHTTPTransportConfig() HTTPTransportConfig {
	return HTTPTransportConfig{
		VerifySSL:       true,
		FollowRedirects: true,
		MaxRedirects:    10,
	}
}

// HTTPTransport is the net/http-backed Transport. It keeps one
// http.Transport per proxy URL so connection pools survive across calls
// through the same proxy.
type HTTPTransport struct {
	cfg    HTTPTransportConfig
	logger zerolog.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewHTTPTransport creates a net/http-backed transport.
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	return &HTTPTransport{
		cfg:        cfg,
		logger:     cfg.Logger,
		transports: make(map[string]*http.Transport),
	}
}

// Execute performs the HTTP request and decodes the response. Responses
// with status >= 400 are returned as an ErrorKindHTTPStatus failure that
// still carries the decoded Response.
func (t *HTTPTransport) Execute(ctx context.Context, req *Request, proxyURL string, cookies map[string]string, timeout time.Duration) (*Response, error) {
	start := time.Now()
	defer func() {
		transportDuration.Observe(time.Since(start).Seconds())
	}()

	httpReq, err := t.buildRequest(ctx, req, cookies)
	if err != nil {
		transportRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	rt, err := t.transportFor(proxyURL)
	if err != nil {
		transportRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	client := &http.Client{
		Transport: rt,
		Timeout:   timeout,
	}
	if t.cfg.FollowRedirects {
		max := t.cfg.MaxRedirects
		client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
			if len(via) >= max {
				return fmt.Errorf("stopped after %d redirects", max)
			}
			return nil
		}
	} else {
		client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		kind := classifyNetError(err)
		transportRequestsTotal.WithLabelValues(string(kind)).Inc()
		t.logger.Debug().Str("url", req.URL).Str("kind", string(kind)).Err(err).Msg("Transport request failed")
		return nil, &TransportError{Kind: kind, URL: req.URL, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		kind := classifyNetError(err)
		transportRequestsTotal.WithLabelValues(string(kind)).Inc()
		return nil, &TransportError{Kind: kind, URL: req.URL, Err: err}
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    flattenHeaders(httpResp.Header),
		Body:       body,
		URL:        httpResp.Request.URL.String(),
		Cookies:    cookieMap(httpResp.Cookies()),
		Elapsed:    time.Since(start),
		Request:    req,
	}

	if resp.StatusCode >= 400 {
		transportRequestsTotal.WithLabelValues(string(ErrorKindHTTPStatus)).Inc()
		return nil, &TransportError{
			Kind:       ErrorKindHTTPStatus,
			StatusCode: resp.StatusCode,
			URL:        req.URL,
			Response:   resp,
		}
	}

	transportRequestsTotal.WithLabelValues("success").Inc()
	return resp, nil
}

// Close releases idle connections held by all cached per-proxy transports.
func (t *HTTPTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rt := range t.transports {
		rt.CloseIdleConnections()
	}
}

func (t *HTTPTransport) buildRequest(ctx context.Context, req *Request, cookies map[string]string) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target := req.URL
	if len(req.Params) > 0 {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, &TransportError{Kind: ErrorKindConnection, URL: req.URL, Err: err}
		}
		q := u.Query()
		for k, v := range req.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &TransportError{Kind: ErrorKindConnection, URL: req.URL, Err: err}
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for name, value := range cookies {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return httpReq, nil
}

// transportFor returns the cached http.Transport for a proxy URL,
// creating it on first use. The empty string means a direct connection.
func (t *HTTPTransport) transportFor(proxyURL string) (*http.Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rt, ok := t.transports[proxyURL]; ok {
		return rt, nil
	}

	rt := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !t.cfg.VerifySSL},
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, &TransportError{
				Kind: ErrorKindConnection,
				URL:  proxyURL,
				Err:  fmt.Errorf("invalid proxy URL %q", proxyURL),
			}
		}
		rt.Proxy = http.ProxyURL(parsed)
	}
	t.transports[proxyURL] = rt
	return rt, nil
}

// classifyNetError maps a net/http client error onto the failure
// taxonomy: deadline and timeout errors are ErrorKindTimeout, everything
// else is ErrorKindConnection.
func classifyNetError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTimeout
	}
	return ErrorKindConnection
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func cookieMap(cookies []*http.Cookie) map[string]string {
	if len(cookies) == 0 {
		return nil
	}
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}
