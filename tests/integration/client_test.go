package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rdittrich/scrapekit/pkg/client"
	"github.com/rdittrich/scrapekit/pkg/scrape"
)

// setupHTTPBin starts a go-httpbin container as a real scrape target.
func setupHTTPBin(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mccutchen/go-httpbin:latest",
		ExposedPorts: []string{"8080/tcp"},
		WaitingFor:   wait.ForListeningPort("8080/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start httpbin container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "8080")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	baseURL := fmt.Sprintf("http://%s:%s", host, port.Port())
	cleanup := func() {
		container.Terminate(ctx)
	}
	return baseURL, cleanup
}

func newIntegrationClient(t *testing.T, mutate func(*client.Config)) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.RateLimit = 0
	cfg.Retries = 0
	cfg.UserAgent = "scrapekit-integration/1.0"
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// TestFullRequestFlow exercises the complete pipeline against a real
// HTTP server: headers, JSON decoding, and error statuses.
func TestFullRequestFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	baseURL, cleanup := setupHTTPBin(t)
	defer cleanup()

	c := newIntegrationClient(t, nil)

	t.Run("get_with_headers", func(t *testing.T) {
		resp, err := c.Do(&scrape.Request{
			Method:  "GET",
			URL:     baseURL + "/headers",
			Headers: map[string]string{"X-Test-Header": "integration"},
		})
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		if !resp.OK() {
			t.Fatalf("StatusCode = %d, want 2xx", resp.StatusCode)
		}

		var echoed struct {
			Headers map[string][]string `json:"headers"`
		}
		if err := resp.JSON(&echoed); err != nil {
			t.Fatalf("JSON() error = %v", err)
		}
		if got := echoed.Headers["X-Test-Header"]; len(got) == 0 || got[0] != "integration" {
			t.Errorf("Echoed X-Test-Header = %v, want integration", got)
		}
		if got := echoed.Headers["User-Agent"]; len(got) == 0 || got[0] != "scrapekit-integration/1.0" {
			t.Errorf("Echoed User-Agent = %v, want configured agent", got)
		}
	})

	t.Run("query_params", func(t *testing.T) {
		resp, err := c.Do(&scrape.Request{
			URL:    baseURL + "/get",
			Params: map[string]string{"page": "7"},
		})
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}

		var echoed struct {
			Args map[string][]string `json:"args"`
		}
		if err := resp.JSON(&echoed); err != nil {
			t.Fatalf("JSON() error = %v", err)
		}
		if got := echoed.Args["page"]; len(got) == 0 || got[0] != "7" {
			t.Errorf("Echoed page param = %v, want 7", got)
		}
	})

	t.Run("http_status_error", func(t *testing.T) {
		_, err := c.Get(baseURL + "/status/404")
		if err == nil {
			t.Fatal("Get(/status/404) expected error")
		}
		if kind := scrape.ErrorKindOf(err); kind != scrape.ErrorKindHTTPStatus {
			t.Errorf("ErrorKindOf() = %s, want %s", kind, scrape.ErrorKindHTTPStatus)
		}
	})
}

// TestCookiePersistenceFlow verifies that cookies set by one response
// ride along on subsequent requests to the same domain.
func TestCookiePersistenceFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	baseURL, cleanup := setupHTTPBin(t)
	defer cleanup()

	// /cookies/set answers with Set-Cookie on a 302; redirect following
	// stays off so the jar sees that response directly.
	c := newIntegrationClient(t, func(cfg *client.Config) {
		cfg.FollowRedirects = false
	})

	resp, err := c.Get(baseURL + "/cookies/set?session=abc123")
	if err != nil {
		t.Fatalf("Get(/cookies/set) error = %v", err)
	}
	if resp.Cookies["session"] != "abc123" {
		t.Fatalf("Response cookies = %v, want session=abc123", resp.Cookies)
	}

	resp, err = c.Get(baseURL + "/cookies")
	if err != nil {
		t.Fatalf("Get(/cookies) error = %v", err)
	}

	var echoed map[string]string
	if err := resp.JSON(&echoed); err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	if echoed["session"] != "abc123" {
		t.Errorf("Echoed cookies = %v, want session=abc123", echoed)
	}
}

// TestBatchGatherFlow runs a concurrent gather against the live server
// and checks ordering and failure isolation.
func TestBatchGatherFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	baseURL, cleanup := setupHTTPBin(t)
	defer cleanup()

	c := newIntegrationClient(t, nil)

	reqs := []*scrape.Request{
		{URL: baseURL + "/get?item=0"},
		{URL: baseURL + "/status/500"},
		{URL: baseURL + "/get?item=2"},
		{URL: baseURL + "/get?item=3"},
	}

	res, err := c.GatherContext(context.Background(), reqs, 4, false)
	if err != nil {
		t.Fatalf("GatherContext() error = %v", err)
	}

	if res.SuccessCount() != 3 {
		t.Errorf("SuccessCount() = %d, want 3", res.SuccessCount())
	}
	if _, ok := res.Errors[1]; !ok {
		t.Errorf("Errors = %v, want failure recorded at index 1", res.Errors)
	}
	for _, idx := range []int{0, 2, 3} {
		if res.Responses[idx] == nil {
			t.Errorf("Responses[%d] = nil, want filled", idx)
		}
	}
}

// TestRateLimitFlow checks that the limiter actually paces live
// requests.
func TestRateLimitFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	baseURL, cleanup := setupHTTPBin(t)
	defer cleanup()

	c := newIntegrationClient(t, func(cfg *client.Config) {
		cfg.RateLimit = 2 // capacity 2, then one token each 500ms
	})

	start := time.Now()
	for i := 0; i < 4; i++ {
		if _, err := c.Get(baseURL + "/get"); err != nil {
			t.Fatalf("Get() #%d error = %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("4 requests at 2/s finished in %v, want >= ~1s", elapsed)
	}
}
