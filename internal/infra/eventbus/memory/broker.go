// Package memory provides an in-process analytics event broker. It offers a
// lightweight, non-persistent publisher for development and for processes
// running without Kafka.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ahrav/scanwatch/internal/domain/events"
)

// Handler receives every published event along with its publish parameters.
type Handler func(ctx context.Context, evt events.DomainEvent, params events.PublishParams) error

type subscription struct {
	id      int
	handler Handler
}

// Broker implements events.DomainEventPublisher by fanning events out to
// in-process subscribers.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

var _ events.DomainEventPublisher = (*Broker)(nil)

// NewBroker creates a broker with no subscribers.
func NewBroker() *Broker { return new(Broker) }

// Subscribe registers handler until ctx is done.
func (b *Broker) Subscribe(ctx context.Context, handler Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
	}()

	return nil
}

// PublishDomainEvent delivers evt to every subscriber in registration order,
// stopping at the first error.
func (b *Broker) PublishDomainEvent(ctx context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := events.ApplyOptions(opts...)

	// Copy the subscribers so no handler runs while the lock is held.
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.handler(ctx, evt, params); err != nil {
			return err
		}
	}
	return nil
}
