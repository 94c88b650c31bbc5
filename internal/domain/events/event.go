package events

import "time"

// DomainEvent is something that happened in the domain which other parts of
// the system may want to react to. Events are immutable once created.
type DomainEvent interface {
	// EventType identifies the category of this event for routing and handling.
	EventType() EventType
	// OccurredAt records when the event happened.
	OccurredAt() time.Time
}

// Keyed is implemented by events that carry a natural partition key, such as
// the id of the aggregate they describe.
type Keyed interface {
	EventKey() string
}

// Attributer is implemented by events that can describe themselves as a flat
// attribute map for serialization.
type Attributer interface {
	Attributes() map[string]any
}
