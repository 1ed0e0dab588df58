// Package history fans lifecycle and fault events out to zero or more
// audit sinks (SPEC_FULL.md §11). It does not persist live slave state —
// that remains explicitly out of scope (spec.md §1 "Non-goals") — it
// persists a one-way record of what happened, for analytics and incident
// review.
package history

import (
	"context"
	"time"
)

// EventType names the kind of lifecycle or fault event being recorded.
type EventType string

const (
	EventLaunch       EventType = "launch"
	EventLaunchFailed EventType = "launch_failed"
	EventActivate     EventType = "activate"
	EventDeactivate   EventType = "deactivate"
	EventPause        EventType = "pause"
	EventResume       EventType = "resume"
	EventFault        EventType = "fault"
)

// Event is one occurrence fanned out to every configured Sink. Package,
// File, Function, and Method are only populated for EventFault.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	SlaveName  string    `json:"slave_name"`
	State      string    `json:"state"`
	LaunchID   string    `json:"launch_id,omitempty"`
	Package    string    `json:"package,omitempty"`
	File       string    `json:"file,omitempty"`
	Function   string    `json:"function,omitempty"`
	Method     string    `json:"method,omitempty"`
}

// Sink is a destination for lifecycle/fault events. Implementations must
// be safe for concurrent use; the Supervisor calls Send from its own
// goroutine but a daemon may fan the same event to several sinks
// concurrently.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// MultiSink fans a single Send out to every wrapped sink, returning the
// first error encountered (after attempting all of them).
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, e Event) error {
	var first error
	for _, sink := range m {
		if err := sink.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
