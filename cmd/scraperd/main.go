// scraperd exposes the scrape client over a small HTTP API: single
// fetches, batch gathers, health, and Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rdittrich/scrapekit/internal/config"
	"github.com/rdittrich/scrapekit/pkg/client"
	"github.com/rdittrich/scrapekit/pkg/logging"
	"github.com/rdittrich/scrapekit/pkg/proxy"
	"github.com/rdittrich/scrapekit/pkg/scrape"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})

	scraper, err := buildClient(cfg.Client)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create scrape client")
	}
	defer scraper.Close()

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/fetch", fetchHandler(scraper, logger))
	r.Post("/v1/batch", batchHandler(scraper, logger))

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", srv.Addr).Msg("scraperd listening")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

func buildClient(cfg config.ClientConfig) (*client.Client, error) {
	clientCfg := client.DefaultConfig()
	clientCfg.UserAgent = cfg.UserAgent
	clientCfg.RateLimit = cfg.RateLimit
	clientCfg.GlobalRate = cfg.GlobalRate
	clientCfg.DomainRates = cfg.DomainRates
	clientCfg.Timeout = cfg.Timeout
	clientCfg.Proxies = cfg.Proxies
	clientCfg.ProxyStrategy = proxy.Strategy(cfg.ProxyStrategy)
	clientCfg.ProxyMaxFailures = cfg.MaxFailures
	clientCfg.ProxyCooldown = cfg.Cooldown
	clientCfg.PersistCookies = cfg.PersistCookies
	clientCfg.MaxWorkers = cfg.MaxWorkers
	clientCfg.DefaultConcurrency = cfg.Concurrency
	clientCfg.Retries = cfg.Retries
	return client.New(clientCfg)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// fetchRequest is the JSON body for /v1/fetch and each item of
// /v1/batch.
type fetchRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Body    string            `json:"body,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
}

type fetchResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	URL        string            `json:"url"`
	ElapsedMS  int64             `json:"elapsed_ms"`
}

type batchRequest struct {
	Requests    []fetchRequest `json:"requests"`
	Concurrency int            `json:"concurrency,omitempty"`
	StopOnError bool           `json:"stop_on_error,omitempty"`
}

type batchItem struct {
	Index    int            `json:"index"`
	Response *fetchResponse `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func toScrapeRequest(in fetchRequest) *scrape.Request {
	method := in.Method
	if method == "" {
		method = "GET"
	}
	var body []byte
	if in.Body != "" {
		body = []byte(in.Body)
	}
	return &scrape.Request{
		Method:  method,
		URL:     in.URL,
		Headers: in.Headers,
		Params:  in.Params,
		Body:    body,
		Cookies: in.Cookies,
	}
}

func toFetchResponse(resp *scrape.Response) *fetchResponse {
	return &fetchResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Text(),
		URL:        resp.URL,
		ElapsedMS:  resp.Elapsed.Milliseconds(),
	}
}

func fetchHandler(scraper *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in fetchRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if in.URL == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}

		resp, err := scraper.DoContext(r.Context(), toScrapeRequest(in))
		if err != nil {
			logger.Warn().Str("url", in.URL).Err(err).Msg("Fetch failed")
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, toFetchResponse(resp))
	}
}

func batchHandler(scraper *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in batchRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if len(in.Requests) == 0 {
			http.Error(w, "requests is required", http.StatusBadRequest)
			return
		}
		reqs := make([]*scrape.Request, len(in.Requests))
		for i, item := range in.Requests {
			if item.URL == "" {
				http.Error(w, fmt.Sprintf("requests[%d]: url is required", i), http.StatusBadRequest)
				return
			}
			reqs[i] = toScrapeRequest(item)
		}

		result, err := scraper.GatherContext(r.Context(), reqs, in.Concurrency, in.StopOnError)
		if result == nil {
			// Only a closed client ends up here; a cancelled gather still
			// carries the partial result.
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}

		items := make([]batchItem, len(reqs))
		for i := range reqs {
			items[i] = batchItem{Index: i}
			if resp := result.Responses[i]; resp != nil {
				items[i].Response = toFetchResponse(resp)
			} else if itemErr, ok := result.Errors[i]; ok {
				items[i].Error = itemErr.Error()
			} else {
				items[i].Error = "skipped"
			}
		}
		payload := map[string]any{
			"items":     items,
			"succeeded": result.SuccessCount(),
			"failed":    result.FailureCount(),
		}
		if err != nil {
			logger.Warn().
				Int("items", len(reqs)).
				Int("succeeded", result.SuccessCount()).
				Err(err).
				Msg("Batch interrupted")
			payload["error"] = err.Error()
			writeJSON(w, http.StatusBadGateway, payload)
			return
		}
		logger.Info().
			Int("items", len(reqs)).
			Int("succeeded", result.SuccessCount()).
			Msg("Batch handled")
		writeJSON(w, http.StatusOK, payload)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
