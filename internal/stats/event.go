// Package stats defines the per-transaction statistics event and the sinks
// that consume it.
package stats

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a transaction.
type Status string

const (
	OK Status = "OK"
	KO Status = "KO"
)

// GroupSeparator joins nested group names.
const GroupSeparator = " / "

// Event records one completed transaction.
type Event struct {
	RunID  string
	UserID int64
	Name   string
	Groups []string

	Start time.Time
	End   time.Time

	Status Status
	// Cause explains a KO outcome.
	Cause string

	StatusCode    int
	BytesSent     int64
	BytesReceived int64
}

// GroupPath returns the group hierarchy joined with " / ".
func (e Event) GroupPath() string {
	return strings.Join(e.Groups, GroupSeparator)
}

// Duration returns the elapsed time of the transaction.
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Sink consumes statistics events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

// Record implements Sink.
func (f SinkFunc) Record(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout forwards events to every sink in order.
type Fanout []Sink

// Record implements Sink.
func (f Fanout) Record(e Event) {
	for _, s := range f {
		s.Record(e)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Sink.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
