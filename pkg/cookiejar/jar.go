// Package cookiejar provides a shared per-domain cookie store. Blocking
// and context-aware accessors serialize against the same mutex, so there
// is exactly one total order of mutation no matter which call path a
// caller uses, and a write through one path is immediately visible
// through the other.
package cookiejar

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Jar stores cookies as domain -> (name -> value). Domain keys are
// normalized (lowercased, leading dot stripped) so cookie scoping lines
// up with the rate limiter's notion of a domain.
type Jar struct {
	mu      sync.Mutex
	cookies map[string]map[string]string
}

// New creates an empty jar.
func New() *Jar {
	return &Jar{cookies: make(map[string]map[string]string)}
}

// Get returns a snapshot copy of the domain's cookies, never the live
// map. Mutating the returned map does not affect the jar.
func (j *Jar) Get(domain string) map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked(normalizeDomain(domain))
}

// GetContext is Get for context-aware callers.
func (j *Jar) GetContext(ctx context.Context, domain string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return j.Get(domain), nil
}

// Set stores a single cookie.
func (j *Jar) Set(domain, name, value string) {
	j.Update(domain, map[string]string{name: value})
}

// Update merges the given name/value pairs into the domain's cookies.
// Later values for the same name overwrite earlier ones; other domains
// are never touched.
func (j *Jar) Update(domain string, cookies map[string]string) {
	if len(cookies) == 0 {
		return
	}
	key := normalizeDomain(domain)

	j.mu.Lock()
	defer j.mu.Unlock()
	stored, ok := j.cookies[key]
	if !ok {
		stored = make(map[string]string, len(cookies))
		j.cookies[key] = stored
	}
	for name, value := range cookies {
		stored[name] = value
	}
}

// UpdateContext is Update for context-aware callers.
func (j *Jar) UpdateContext(ctx context.Context, domain string, cookies map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.Update(domain, cookies)
	return nil
}

// Delete removes a single cookie. It reports whether the cookie existed.
func (j *Jar) Delete(domain, name string) bool {
	key := normalizeDomain(domain)

	j.mu.Lock()
	defer j.mu.Unlock()
	stored, ok := j.cookies[key]
	if !ok {
		return false
	}
	if _, ok := stored[name]; !ok {
		return false
	}
	delete(stored, name)
	if len(stored) == 0 {
		delete(j.cookies, key)
	}
	return true
}

// Clear removes all cookies for a domain.
func (j *Jar) Clear(domain string) {
	key := normalizeDomain(domain)
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.cookies, key)
}

// ClearContext is Clear for context-aware callers.
func (j *Jar) ClearContext(ctx context.Context, domain string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.Clear(domain)
	return nil
}

// ClearAll removes every cookie from the jar.
func (j *Jar) ClearAll() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies = make(map[string]map[string]string)
}

// ClearAllContext is ClearAll for context-aware callers.
func (j *Jar) ClearAllContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.ClearAll()
	return nil
}

// All returns a deep copy of the jar organized by domain.
func (j *Jar) All() map[string]map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make(map[string]map[string]string, len(j.cookies))
	for domain := range j.cookies {
		out[domain] = j.snapshotLocked(domain)
	}
	return out
}

// Len returns the total number of stored cookies.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := 0
	for _, stored := range j.cookies {
		n += len(stored)
	}
	return n
}

// Domains returns the sorted list of domains with stored cookies.
func (j *Jar) Domains() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]string, 0, len(j.cookies))
	for domain := range j.cookies {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}

// snapshotLocked copies one domain's cookies. Must be called under mu.
func (j *Jar) snapshotLocked(key string) map[string]string {
	stored := j.cookies[key]
	out := make(map[string]string, len(stored))
	for name, value := range stored {
		out[name] = value
	}
	return out
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, ".")
}
