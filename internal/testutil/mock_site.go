// Package testutil provides testing utilities for scrapekit.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock site endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Cookies    []*http.Cookie
	Delay      time.Duration
}

// MockSite is a configurable mock target site for testing the scrape
// pipeline end to end.
type MockSite struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	requestCount int
	lastHeader   http.Header
	lastCookies  []*http.Cookie
}

// NewMockSite creates a mock site server.
func NewMockSite() *MockSite {
	mock := &MockSite{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.lastHeader = r.Header.Clone()
		mock.lastCookies = r.Cookies()
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockSite) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSite) Close() {
	m.server.Close()
}

// Reset clears all tracking state.
func (m *MockSite) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.lastHeader = nil
	m.lastCookies = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockSite) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a canned response for a path.
func (m *MockSite) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		for _, c := range resp.Cookies {
			http.SetCookie(w, c)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// RequestCount returns the number of requests the server has seen.
func (m *MockSite) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// LastHeader returns a clone of the most recent request's headers.
func (m *MockSite) LastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

// LastCookies returns the cookies sent on the most recent request.
func (m *MockSite) LastCookies() []*http.Cookie {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCookies
}

// defaultHandler serves a plain 200 for unconfigured paths.
func (m *MockSite) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body>ok</body></html>"))
}

// NewPageResponse creates a standard 200 OK HTML response.
func NewPageResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "text/html; charset=utf-8",
		},
	}
}

// NewSessionResponse creates a 200 response that sets a session cookie.
func NewSessionResponse(body, session string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "text/html; charset=utf-8",
		},
		Cookies: []*http.Cookie{
			{Name: "session", Value: session, Path: "/"},
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
			"Retry-After":  "1",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewFlakyHandler creates a handler that fails with failStatus for the
// first failures requests to it, then succeeds.
func NewFlakyHandler(failures int, failStatus int, body string) func(w http.ResponseWriter, r *http.Request) {
	var mu sync.Mutex
	seen := 0
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen++
		n := seen
		mu.Unlock()

		if n <= failures {
			w.WriteHeader(failStatus)
			w.Write([]byte(`{"error": "try again"}`))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}
}
