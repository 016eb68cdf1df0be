// Package proxy implements a health-tracked proxy pool with a closed set
// of rotation strategies and automatic cooldown recovery.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// HealthState is a proxy lifecycle status.
type HealthState int

const (
	// Healthy proxies are eligible for selection.
	Healthy HealthState = iota

	// CoolingDown proxies are excluded from selection until their
	// DisabledUntil timestamp passes.
	CoolingDown
)

// String implements fmt.Stringer.
func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case CoolingDown:
		return "cooling_down"
	default:
		return "unknown"
	}
}

// Entry is a proxy with health-tracking metadata. Identity is the URL.
// Select returns value copies, so callers never share the pool's mutable
// state.
type Entry struct {
	URL                 string
	State               HealthState
	ConsecutiveFailures int
	TotalRequests       int
	TotalFailures       int
	LastUsed            time.Time
	LastFailure         time.Time
	DisabledUntil       time.Time
}

// SuccessRate returns the lifetime success ratio in [0, 1].
func (e *Entry) SuccessRate() float64 {
	if e.TotalRequests == 0 {
		return 1.0
	}
	return float64(e.TotalRequests-e.TotalFailures) / float64(e.TotalRequests)
}

// ErrInvalidProxyURL indicates a proxy URL that failed validation.
var ErrInvalidProxyURL = errors.New("proxy: invalid proxy URL")

var validSchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"socks4":  true,
	"socks4a": true,
	"socks5":  true,
	"socks5h": true,
}

// ValidateURL checks that a proxy URL has a supported scheme and a host.
func ValidateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidProxyURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidProxyURL, raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return fmt.Errorf("%w %q: missing scheme (e.g. http://, socks5://)", ErrInvalidProxyURL, raw)
	}
	if !validSchemes[scheme] {
		return fmt.Errorf("%w %q: unsupported scheme %q", ErrInvalidProxyURL, raw, scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w %q: missing host", ErrInvalidProxyURL, raw)
	}
	return nil
}
