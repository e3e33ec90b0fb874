// Package invalidate implements the shared invalidation queue's boundary
// hooks (spec.md's Non-goals exclude the queue's internals, not the hook
// boundary itself): a broker that pkg/heap fires catalog/relation-cache
// invalidation messages into on tuple update/delete, and that relation-cache
// and catalog-cache stand-ins subscribe to. Adapted directly from the
// teacher's pkg/events pub/sub broker.
package invalidate

import (
	"sync"

	"github.com/weaverdb/wdbengine/pkg/types"
)

// MessageKind names what changed.
type MessageKind string

const (
	// RelationChanged invalidates a relation descriptor (pg_class
	// equivalent): a DDL-style change to the relation itself.
	RelationChanged MessageKind = "relation.changed"
	// TupleUpdated invalidates any cached copy of one tuple's identity,
	// fired on heap update/delete.
	TupleUpdated MessageKind = "tuple.updated"
	// StatsUpdated invalidates cached relpages/reltuples/relhasindex,
	// fired after pkg/vacuum's in-place statistics update.
	StatsUpdated MessageKind = "stats.updated"
)

// Message is one invalidation notice.
type Message struct {
	Kind MessageKind
	Rel  types.RelID
	Tid  types.ItemPointer
}

// Subscriber is a channel that receives invalidation messages.
type Subscriber chan Message

// Broker distributes invalidation messages to every current subscriber.
// Publish never blocks on a slow subscriber: a full subscriber buffer drops
// the message for that subscriber rather than stalling the publisher
// (typically a foreground transaction committing a tuple change).
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

// NewBroker builds an empty Broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[Subscriber]bool)}
}

// Subscribe registers a new subscription with a bounded buffer.
func (b *Broker) Subscribe(buffer int) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, buffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish fans msg out to every current subscriber.
func (b *Broker) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- msg:
		default:
		}
	}
}

// SubscriberCount reports how many subscriptions are currently live.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
