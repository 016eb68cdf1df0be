package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestExecuteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Custom"); got != "yes" {
			t.Errorf("X-Custom header = %q, want %q", got, "yes")
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("page param = %q, want %q", got, "2")
		}
		if c, err := r.Cookie("session"); err != nil || c.Value != "abc" {
			t.Errorf("session cookie = %v, %v; want abc", c, err)
		}
		http.SetCookie(w, &http.Cookie{Name: "token", Value: "xyz"})
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	tr := NewHTTPTransport(DefaultHTTPTransportConfig())
	defer tr.Close()

	req := &Request{
		Method:  "GET",
		URL:     server.URL,
		Headers: map[string]string{"X-Custom": "yes"},
		Params:  map[string]string{"page": "2"},
	}
	resp, err := tr.Execute(context.Background(), req, "", map[string]string{"session": "abc"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if resp.Text() != "payload" {
		t.Errorf("Body = %q, want %q", resp.Text(), "payload")
	}
	if resp.Cookies["token"] != "xyz" {
		t.Errorf("Cookies = %v, want token=xyz", resp.Cookies)
	}
	if resp.Headers["Content-Type"] != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", resp.Headers["Content-Type"])
	}
	if resp.Elapsed <= 0 {
		t.Error("Elapsed not recorded")
	}
}

func TestExecuteHTTPStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "missing"}`))
	}))
	defer server.Close()

	tr := NewHTTPTransport(DefaultHTTPTransportConfig())
	defer tr.Close()

	_, err := tr.Execute(context.Background(), &Request{URL: server.URL}, "", nil, 5*time.Second)
	if err == nil {
		t.Fatal("Execute() expected error for 404")
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Execute() error type = %T, want *TransportError", err)
	}
	if te.Kind != ErrorKindHTTPStatus {
		t.Errorf("Kind = %s, want %s", te.Kind, ErrorKindHTTPStatus)
	}
	if te.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", te.StatusCode)
	}
	if te.IndictsProxy() {
		t.Error("HTTP status failure must not indict the proxy")
	}
	// The decoded response is still attached.
	if te.Response == nil || te.Response.Text() != `{"error": "missing"}` {
		t.Errorf("Response = %+v, want attached body", te.Response)
	}
}

func TestExecuteTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	tr := NewHTTPTransport(DefaultHTTPTransportConfig())
	defer tr.Close()

	_, err := tr.Execute(context.Background(), &Request{URL: server.URL}, "", nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("Execute() expected timeout error")
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Execute() error type = %T, want *TransportError", err)
	}
	if te.Kind != ErrorKindTimeout {
		t.Errorf("Kind = %s, want %s", te.Kind, ErrorKindTimeout)
	}
	if !te.IndictsProxy() {
		t.Error("Timeout failure must indict the proxy")
	}
}

func TestExecuteConnectionError(t *testing.T) {
	tr := NewHTTPTransport(DefaultHTTPTransportConfig())
	defer tr.Close()

	// Port 1 is essentially guaranteed closed.
	_, err := tr.Execute(context.Background(), &Request{URL: "http://127.0.0.1:1/"}, "", nil, 2*time.Second)
	if err == nil {
		t.Fatal("Execute() expected connection error")
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Execute() error type = %T, want *TransportError", err)
	}
	if te.Kind != ErrorKindConnection {
		t.Errorf("Kind = %s, want %s", te.Kind, ErrorKindConnection)
	}
	if !te.IndictsProxy() {
		t.Error("Connection failure must indict the proxy")
	}
}

func TestExecuteNoFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		w.Write([]byte("end"))
	}))
	defer server.Close()

	cfg := DefaultHTTPTransportConfig()
	cfg.FollowRedirects = false
	tr := NewHTTPTransport(cfg)
	defer tr.Close()

	resp, err := tr.Execute(context.Background(), &Request{URL: server.URL + "/start"}, "", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want 302 when redirects are off", resp.StatusCode)
	}
}

func TestExecuteFollowsRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		w.Write([]byte("end"))
	}))
	defer server.Close()

	tr := NewHTTPTransport(DefaultHTTPTransportConfig())
	defer tr.Close()

	resp, err := tr.Execute(context.Background(), &Request{URL: server.URL + "/start"}, "", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Text() != "end" {
		t.Errorf("Body = %q, want %q", resp.Text(), "end")
	}
	if resp.URL != server.URL+"/end" {
		t.Errorf("Final URL = %q, want %q", resp.URL, server.URL+"/end")
	}
}

func TestExecuteInvalidProxyURL(t *testing.T) {
	tr := NewHTTPTransport(DefaultHTTPTransportConfig())
	defer tr.Close()

	_, err := tr.Execute(context.Background(), &Request{URL: "http://example.com"}, ":::", nil, time.Second)
	if err == nil {
		t.Fatal("Execute() expected error for malformed proxy URL")
	}
	if ErrorKindOf(err) != ErrorKindConnection {
		t.Errorf("ErrorKindOf() = %s, want %s", ErrorKindOf(err), ErrorKindConnection)
	}
}

func TestErrorKindOf(t *testing.T) {
	if kind := ErrorKindOf(errors.New("plain")); kind != "" {
		t.Errorf("ErrorKindOf(plain error) = %q, want empty", kind)
	}

	wrapped := &TransportError{Kind: ErrorKindTimeout, URL: "http://x"}
	if kind := ErrorKindOf(wrapped); kind != ErrorKindTimeout {
		t.Errorf("ErrorKindOf() = %s, want %s", kind, ErrorKindTimeout)
	}
}
