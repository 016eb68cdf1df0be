package scrape

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stubTransport returns scripted results in order, repeating the last
// one once the script runs out.
type stubTransport struct {
	mu      sync.Mutex
	results []stubResult
	calls   int
}

type stubResult struct {
	resp *Response
	err  error
}

func (s *stubTransport) Execute(ctx context.Context, req *Request, proxyURL string, cookies map[string]string, timeout time.Duration) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	r := s.results[i]
	return r.resp, r.err
}

func (s *stubTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		RetryStatuses:     []int{429, 500, 503},
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	stub := &stubTransport{results: []stubResult{
		{err: &TransportError{Kind: ErrorKindConnection, URL: "http://x"}},
		{err: &TransportError{Kind: ErrorKindHTTPStatus, StatusCode: 503, URL: "http://x"}},
		{resp: &Response{StatusCode: 200, Body: []byte("ok")}},
	}}
	rt := NewRetryTransport(stub, fastPolicy(4), zerolog.Nop())

	resp, err := rt.Execute(context.Background(), &Request{URL: "http://x"}, "", nil, time.Second)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Text() != "ok" {
		t.Errorf("Body = %q, want %q", resp.Text(), "ok")
	}
	if got := stub.callCount(); got != 3 {
		t.Errorf("Attempts = %d, want 3", got)
	}
}

func TestRetryDoesNotRetryNonRetryableStatus(t *testing.T) {
	stub := &stubTransport{results: []stubResult{
		{err: &TransportError{Kind: ErrorKindHTTPStatus, StatusCode: http.StatusNotFound, URL: "http://x"}},
	}}
	rt := NewRetryTransport(stub, fastPolicy(4), zerolog.Nop())

	_, err := rt.Execute(context.Background(), &Request{URL: "http://x"}, "", nil, time.Second)
	if err == nil {
		t.Fatal("Execute() expected error")
	}
	if got := stub.callCount(); got != 1 {
		t.Errorf("Attempts = %d, want 1 for non-retryable 404", got)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("Non-retryable failure must not report retry exhaustion")
	}
}

func TestRetryExhaustion(t *testing.T) {
	stub := &stubTransport{results: []stubResult{
		{err: &TransportError{Kind: ErrorKindTimeout, URL: "http://x"}},
	}}
	rt := NewRetryTransport(stub, fastPolicy(3), zerolog.Nop())

	_, err := rt.Execute(context.Background(), &Request{URL: "http://x"}, "", nil, time.Second)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Execute() error = %v, want ErrRetryExhausted", err)
	}
	if got := stub.callCount(); got != 3 {
		t.Errorf("Attempts = %d, want 3", got)
	}

	// The final causal error stays reachable through the wrap chain.
	var te *TransportError
	if !errors.As(err, &te) || te.Kind != ErrorKindTimeout {
		t.Errorf("Underlying TransportError not preserved: %v", err)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	stub := &stubTransport{results: []stubResult{
		{err: &TransportError{Kind: ErrorKindConnection, URL: "http://x"}},
	}}
	policy := fastPolicy(50)
	policy.InitialBackoff = 500 * time.Millisecond
	rt := NewRetryTransport(stub, policy, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := rt.Execute(ctx, &Request{URL: "http://x"}, "", nil, time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("Cancelled retry backoff returned after %v", elapsed)
	}
}

func TestRetryNotTriggeredForPlainError(t *testing.T) {
	stub := &stubTransport{results: []stubResult{
		{err: errors.New("unclassified")},
	}}
	rt := NewRetryTransport(stub, fastPolicy(4), zerolog.Nop())

	_, err := rt.Execute(context.Background(), &Request{URL: "http://x"}, "", nil, time.Second)
	if err == nil {
		t.Fatal("Execute() expected error")
	}
	if got := stub.callCount(); got != 1 {
		t.Errorf("Attempts = %d, want 1 for unclassified error", got)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	rt := NewRetryTransport(&stubTransport{results: []stubResult{{resp: &Response{StatusCode: 200}}}}, RetryPolicy{}, zerolog.Nop())

	if rt.policy.MaxAttempts != 1 {
		t.Errorf("MaxAttempts defaulted to %d, want 1", rt.policy.MaxAttempts)
	}
	if rt.policy.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier defaulted to %v, want 2.0", rt.policy.BackoffMultiplier)
	}
}
