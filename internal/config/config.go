// Package config loads scraperd configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full scraperd configuration.
type Config struct {
	Server ServerConfig
	Client ClientConfig
	Log    LogConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port string
}

// ClientConfig configures the shared scrape client.
type ClientConfig struct {
	UserAgent      string
	RateLimit      float64
	GlobalRate     float64
	DomainRates    map[string]float64
	Timeout        time.Duration
	Proxies        []string
	ProxyStrategy  string
	MaxFailures    int
	Cooldown       time.Duration
	PersistCookies bool
	MaxWorkers     int
	Concurrency    int
	Retries        int
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from the environment. A missing .env file is
// not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	server := ServerConfig{Port: getEnv("SERVER_PORT", "8080")}

	clientCfg, err := buildClientConfig()
	if err != nil {
		return Config{}, err
	}

	logCfg := LogConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Pretty: getBool("LOG_PRETTY", false),
	}

	return Config{
		Server: server,
		Client: clientCfg,
		Log:    logCfg,
	}, nil
}

func buildClientConfig() (ClientConfig, error) {
	rateLimit, err := getFloat("SCRAPER_RATE_LIMIT", 2.0)
	if err != nil {
		return ClientConfig{}, err
	}
	globalRate, err := getFloat("SCRAPER_GLOBAL_RATE", 0)
	if err != nil {
		return ClientConfig{}, err
	}
	timeoutSeconds, err := getInt("SCRAPER_TIMEOUT_SECONDS", 30)
	if err != nil {
		return ClientConfig{}, err
	}
	maxFailures, err := getInt("SCRAPER_PROXY_MAX_FAILURES", 3)
	if err != nil {
		return ClientConfig{}, err
	}
	cooldownSeconds, err := getInt("SCRAPER_PROXY_COOLDOWN_SECONDS", 300)
	if err != nil {
		return ClientConfig{}, err
	}
	maxWorkers, err := getInt("SCRAPER_MAX_WORKERS", 10)
	if err != nil {
		return ClientConfig{}, err
	}
	concurrency, err := getInt("SCRAPER_CONCURRENCY", 10)
	if err != nil {
		return ClientConfig{}, err
	}
	retries, err := getInt("SCRAPER_RETRIES", 3)
	if err != nil {
		return ClientConfig{}, err
	}

	domainRates, err := buildDomainRates()
	if err != nil {
		return ClientConfig{}, err
	}

	return ClientConfig{
		UserAgent:      getEnv("SCRAPER_USER_AGENT", "scrapekit/0.1"),
		RateLimit:      rateLimit,
		GlobalRate:     globalRate,
		DomainRates:    domainRates,
		Timeout:        time.Duration(timeoutSeconds) * time.Second,
		Proxies:        splitList(os.Getenv("SCRAPER_PROXIES")),
		ProxyStrategy:  getEnv("SCRAPER_PROXY_STRATEGY", "round_robin"),
		MaxFailures:    maxFailures,
		Cooldown:       time.Duration(cooldownSeconds) * time.Second,
		PersistCookies: getBool("SCRAPER_PERSIST_COOKIES", true),
		MaxWorkers:     maxWorkers,
		Concurrency:    concurrency,
		Retries:        retries,
	}, nil
}

// buildDomainRates parses SCRAPER_DOMAIN_RATES entries of the form
// domain:rate separated by commas. The rate follows the last colon, so
// domains carrying a port (example.com:8080:2.5) parse as written.
func buildDomainRates() (map[string]float64, error) {
	raw := strings.TrimSpace(os.Getenv("SCRAPER_DOMAIN_RATES"))
	if raw == "" {
		return map[string]float64{}, nil
	}

	rates := make(map[string]float64)
	for _, item := range strings.Split(raw, ",") {
		entry := strings.TrimSpace(item)
		sep := strings.LastIndex(entry, ":")
		if sep <= 0 || sep == len(entry)-1 {
			return nil, fmt.Errorf("domain rate must follow DOMAIN:RATE: %s", item)
		}
		domain := strings.TrimSpace(entry[:sep])
		rate, err := strconv.ParseFloat(strings.TrimSpace(entry[sep+1:]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rate for domain %s: %w", domain, err)
		}
		rates[domain] = rate
	}
	return rates, nil
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
