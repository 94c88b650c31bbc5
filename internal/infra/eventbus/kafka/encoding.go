package kafka

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/scanwatch/internal/domain/events"
)

// Header names set on every message.
const (
	HeaderEventType  = "event_type"
	HeaderOccurredAt = "occurred_at"
	// HeaderCritical is "true" for events that are never restated, so
	// consumers can route them to durable handling.
	HeaderCritical = "critical"
)

// EncodeEvent serializes a domain event as a protobuf Struct holding its
// type, timestamp and attributes.
func EncodeEvent(event events.DomainEvent) ([]byte, error) {
	attrs := map[string]any{}
	if a, ok := event.(events.Attributer); ok {
		attrs = a.Attributes()
	}

	payload, err := structpb.NewStruct(map[string]any{
		"event_type":  string(event.EventType()),
		"occurred_at": event.OccurredAt().UTC().Format(time.RFC3339Nano),
		"attributes":  attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("build payload for %s: %w", event.EventType(), err)
	}

	b, err := proto.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", event.EventType(), err)
	}
	return b, nil
}

// DecodedEvent is the consumer-side view of an encoded event.
type DecodedEvent struct {
	Type       events.EventType
	OccurredAt time.Time
	Attributes map[string]any
}

// DecodeEvent reverses EncodeEvent. Numeric attributes come back as float64.
func DecodeEvent(b []byte) (DecodedEvent, error) {
	var payload structpb.Struct
	if err := proto.Unmarshal(b, &payload); err != nil {
		return DecodedEvent{}, fmt.Errorf("unmarshal payload: %w", err)
	}

	m := payload.AsMap()
	typ, _ := m["event_type"].(string)
	ts, _ := m["occurred_at"].(string)
	occurredAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return DecodedEvent{}, fmt.Errorf("parse occurred_at: %w", err)
	}
	attrs, _ := m["attributes"].(map[string]any)

	return DecodedEvent{Type: events.EventType(typ), OccurredAt: occurredAt, Attributes: attrs}, nil
}
