package sse

import "github.com/google/uuid"

// Default event names used when the caller does not provide one.
const (
	DefaultEventName   = "message"
	StreamEventName    = "stream"
	IterationEventName = "iteration"
)

// Event holds data for single event in SSE stream.
type Event struct {
	ID    string // empty ID is replaced with a generated one on push
	Event string // empty name is replaced with DefaultEventName on push
	Data  any    // Data value will be passed to the serializer
}

// NewEventID generates a fresh unique event ID.
func NewEventID() string {
	return uuid.NewString()
}

// withDefaults returns a copy of the event with name and ID filled in.
func (e Event) withDefaults() Event {
	if e.Event == "" {
		e.Event = DefaultEventName
	}
	if e.ID == "" {
		e.ID = NewEventID()
	}
	return e
}
