// Package scrape defines the request/response model and the Transport
// contract that performs the actual network I/O. Everything layered above
// (rate limiter, proxy pool, cookie jar, batch coordinator) only decides
// whether a request may proceed, which proxy carries it, and which cookies
// ride along.
package scrape

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// Request describes a single HTTP request to execute.
type Request struct {
	// Method is the HTTP method (GET, POST, ...). Empty means GET.
	Method string

	// URL is the absolute request URL.
	URL string

	// Headers are request headers; they override client defaults.
	Headers map[string]string

	// Params are query parameters appended to the URL.
	Params map[string]string

	// Body is the raw request body.
	Body []byte

	// Cookies are per-request cookies. They override stored jar cookies
	// with the same name.
	Cookies map[string]string

	// Timeout overrides the client default timeout when > 0.
	Timeout time.Duration

	// Proxy overrides pool selection with a fixed proxy URL.
	Proxy string
}

// Domain returns the normalized host of the request URL (lowercased,
// port included). The domain is the unit of rate limiting and cookie
// scoping.
func (r *Request) Domain() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// Response is the result of a successfully transported request.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte

	// URL is the final URL after redirects.
	URL string

	// Cookies are the name/value pairs set by the response.
	Cookies map[string]string

	// Elapsed is the wall time the transport spent on the request.
	Elapsed time.Duration

	// Request is the request that produced this response.
	Request *Request
}

// Text returns the body decoded as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// JSON unmarshals the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}
