// Package bus implements the in-process typed publish/subscribe bus.
//
// Delivery is asynchronous: Publish enqueues and returns immediately.
// Events of the same type reach each subscriber in publish order; no
// ordering is guaranteed across types. A panicking handler is caught
// at the dispatch boundary and never blocks other subscribers or the
// publisher.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable bus message. Construct with NewEvent and do
// not mutate after publishing; the payload is shared by reference with
// every subscriber.
type Event struct {
	ID      uuid.UUID
	Type    string
	Payload any
	Source  string
	Time    time.Time
}

// NewEvent stamps a new event with a fresh ID and the current time.
// Source identifies the publishing component and may be empty for
// events originating outside the registry.
func NewEvent(eventType, source string, payload any) Event {
	return Event{
		ID:      uuid.New(),
		Type:    eventType,
		Payload: payload,
		Source:  source,
		Time:    time.Now(),
	}
}

// Handler consumes one event. Handlers run on dispatcher goroutines,
// never on the publisher's goroutine, and must not assume any
// relationship between events of different types.
type Handler func(Event)

// Subscription identifies one (event type, handler, owner) binding.
// The zero value is not a valid subscription.
type Subscription struct {
	ID    uuid.UUID
	Type  string
	Owner string
}
