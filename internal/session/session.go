// Package session provides the per-user state threaded through transaction chains.
package session

import (
	"fmt"
	"maps"
	"net/http"
	"net/http/cookiejar"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/wesleyorama2/volley/internal/httpcache"
)

// User carries the identity and the mutable per-user stores of a virtual user.
//
// The cookie jar and the HTTP cache are safe for concurrent use so that
// resource fetches of the same page can update them while running in parallel.
type User struct {
	// ID is the virtual user number, starting at 1.
	ID int64

	// Key is the cache key used for per-user cache entries ("" means global).
	Key string

	// Jar stores cookies received by this user.
	Jar http.CookieJar

	// Cache stores freshness and validator information for this user.
	Cache *httpcache.Store
}

// NewUser creates a user with an empty cookie jar and HTTP cache.
func NewUser(id int64, key string) *User {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &User{
		ID:    id,
		Key:   key,
		Jar:   jar,
		Cache: httpcache.NewStore(),
	}
}

// Write is one attribute mutation recorded in a session journal.
type Write struct {
	Key     string
	Value   any
	Removed bool
}

// Session is an immutable view of a user's state.
//
// Every mutating method returns a new Session; the receiver is never changed,
// so a Session can be handed to concurrent resource fetches safely.
type Session struct {
	user    *User
	attrs   map[string]any
	groups  []string
	failed  bool
	referer string

	// journaling is set by Mark; writes are recorded only while it is on.
	journaling bool
	journal    []Write
}

// New creates an empty session for user.
func New(user *User) Session {
	return Session{user: user}
}

// User returns the owning user.
func (s Session) User() *User { return s.user }

// UserID returns the owning user's ID, or 0 for a detached session.
func (s Session) UserID() int64 {
	if s.user == nil {
		return 0
	}
	return s.user.ID
}

// UserKey returns the owning user's cache key.
func (s Session) UserKey() string {
	if s.user == nil {
		return ""
	}
	return s.user.Key
}

// Get returns the attribute stored under key.
func (s Session) Get(key string) (any, bool) {
	v, ok := s.attrs[key]
	return v, ok
}

// GetString returns the attribute under key formatted as a string.
func (s Session) GetString(key string) (string, bool) {
	v, ok := s.attrs[key]
	if !ok {
		return "", false
	}
	if str, ok := v.(string); ok {
		return str, true
	}
	return fmt.Sprintf("%v", v), true
}

// Attributes returns a copy of all attributes.
func (s Session) Attributes() map[string]any {
	return maps.Clone(s.attrs)
}

// Set returns a session with key bound to value.
func (s Session) Set(key string, value any) Session {
	next := s.clone()
	next.attrs[key] = value
	if s.journaling {
		next.journal = appendWrite(s.journal, Write{Key: key, Value: value})
	}
	return next
}

// Remove returns a session without key.
func (s Session) Remove(key string) Session {
	if _, ok := s.attrs[key]; !ok {
		return s
	}
	next := s.clone()
	delete(next.attrs, key)
	if s.journaling {
		next.journal = appendWrite(s.journal, Write{Key: key, Removed: true})
	}
	return next
}

// Failed reports whether the session has been marked as failed.
func (s Session) Failed() bool { return s.failed }

// MarkFailed returns a session flagged as failed.
func (s Session) MarkFailed() Session {
	s.failed = true
	return s
}

// ClearFailed returns a session with the failed flag reset.
func (s Session) ClearFailed() Session {
	s.failed = false
	return s
}

// Groups returns the current group stack, outermost first.
func (s Session) Groups() []string {
	return append([]string(nil), s.groups...)
}

// GroupPath returns the group stack joined with " / ".
func (s Session) GroupPath() string {
	return strings.Join(s.groups, " / ")
}

// EnterGroup returns a session nested into group name.
func (s Session) EnterGroup(name string) Session {
	groups := make([]string, len(s.groups), len(s.groups)+1)
	copy(groups, s.groups)
	s.groups = append(groups, name)
	return s
}

// ExitGroup returns a session with the innermost group removed.
func (s Session) ExitGroup() Session {
	if len(s.groups) == 0 {
		return s
	}
	s.groups = s.groups[:len(s.groups)-1 : len(s.groups)-1]
	return s
}

// Referer returns the URL of the last page the user loaded.
func (s Session) Referer() string { return s.referer }

// WithReferer returns a session whose last page URL is ref.
func (s Session) WithReferer(ref string) Session {
	s.referer = ref
	return s
}

// Mark returns the same session with an empty journal that records every
// later write. Sessions that were never marked keep no journal.
func (s Session) Mark() Session {
	s.journaling = true
	s.journal = nil
	return s
}

// Journal returns the attribute writes made since the last Mark, or nil for
// a session that was never marked.
func (s Session) Journal() []Write {
	return append([]Write(nil), s.journal...)
}

// Replay applies writes in order and returns the resulting session.
func (s Session) Replay(writes []Write) Session {
	for _, w := range writes {
		if w.Removed {
			s = s.Remove(w.Key)
		} else {
			s = s.Set(w.Key, w.Value)
		}
	}
	return s
}

func (s Session) clone() Session {
	next := s
	next.attrs = make(map[string]any, len(s.attrs)+1)
	for k, v := range s.attrs {
		next.attrs[k] = v
	}
	return next
}

func appendWrite(journal []Write, w Write) []Write {
	out := make([]Write, len(journal), len(journal)+1)
	copy(out, journal)
	return append(out, w)
}
