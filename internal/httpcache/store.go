// Package httpcache keeps per-user HTTP freshness and validator information.
package httpcache

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Entry describes what is known about a previously fetched URL.
type Entry struct {
	// Expires is the instant until which the response is fresh.
	// Zero means the response must always be revalidated.
	Expires time.Time

	// ETag is the entity tag validator, if the server sent one.
	ETag string

	// LastModified is the Last-Modified validator, if the server sent one.
	LastModified string
}

// Store is a concurrency-safe URL → Entry map.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Get returns the entry for url.
func (s *Store) Get(url string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[url]
	return e, ok
}

// IsFresh reports whether a cached response for url can be reused at now.
func (s *Store) IsFresh(url string, now time.Time) bool {
	e, ok := s.Get(url)
	return ok && !e.Expires.IsZero() && now.Before(e.Expires)
}

// Len returns the number of cached URLs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Update records the caching headers of a response for url.
//
// Responses that forbid storage remove any existing entry.
func (s *Store) Update(url string, status int, header http.Header, now time.Time) {
	if status != http.StatusOK && status != http.StatusNotModified {
		return
	}

	directives := parseCacheControl(header.Get("Cache-Control"))
	if _, ok := directives["no-store"]; ok {
		s.remove(url)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[url]
	if status == http.StatusOK {
		entry = Entry{
			ETag:         header.Get("ETag"),
			LastModified: header.Get("Last-Modified"),
		}
	}

	entry.Expires = time.Time{}
	if _, noCache := directives["no-cache"]; !noCache {
		entry.Expires = expiry(directives, header, now)
	}

	if entry.Expires.IsZero() && entry.ETag == "" && entry.LastModified == "" {
		delete(s.entries, url)
		return
	}
	s.entries[url] = entry
}

// Validators adds conditional request headers for url to header.
func (s *Store) Validators(url string, header http.Header) {
	e, ok := s.Get(url)
	if !ok {
		return
	}
	if e.ETag != "" {
		header.Set("If-None-Match", e.ETag)
	}
	if e.LastModified != "" {
		header.Set("If-Modified-Since", e.LastModified)
	}
}

func (s *Store) remove(url string) {
	s.mu.Lock()
	delete(s.entries, url)
	s.mu.Unlock()
}

func expiry(directives map[string]string, header http.Header, now time.Time) time.Time {
	if v, ok := directives["max-age"]; ok {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return time.Time{}
		}
		return now.Add(time.Duration(secs) * time.Second)
	}
	if raw := header.Get("Expires"); raw != "" {
		t, err := http.ParseTime(raw)
		if err == nil && t.After(now) {
			return t
		}
	}
	return time.Time{}
}

func parseCacheControl(value string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, arg, _ := strings.Cut(part, "=")
		out[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(arg), `"`)
	}
	return out
}
