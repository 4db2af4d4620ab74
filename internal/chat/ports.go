// Package chat keeps one room's timeline in sync across the durable
// message store and the live transport, and gates outgoing sends.
package chat

import (
	"context"

	"github.com/nfrund/chatsync/internal/domain"
)

// EventMessage is the transport event carrying chat messages.
const EventMessage = "message"

// Subscription is a cancellable registration with a store or transport.
// Unsubscribe must be safe to call more than once.
type Subscription interface {
	Unsubscribe() error
}

// SubscriptionFunc adapts a plain function to the Subscription interface.
type SubscriptionFunc func() error

// Unsubscribe implements Subscription.
func (f SubscriptionFunc) Unsubscribe() error {
	return f()
}

// Entry is one child of a room's message path in the durable store.
type Entry struct {
	ID     string
	Record Record
}

// Snapshot is the full value of a room's message path at one point in time.
type Snapshot struct {
	Room    domain.RoomID
	Entries []Entry
}

// SnapshotHandler receives durable snapshots in the order the store
// produced them.
type SnapshotHandler func(Snapshot)

// DurableStore is the authoritative, subscribable message repository.
type DurableStore interface {
	// Subscribe delivers the current full value of the room immediately and
	// again after every change, until the subscription is cancelled.
	Subscribe(ctx context.Context, room domain.RoomID, handler SnapshotHandler) (Subscription, error)

	// Append stores a new child under the room and returns the
	// store-assigned identifier.
	Append(ctx context.Context, room domain.RoomID, rec Record) (string, error)
}

// EventHandler receives raw transport payloads for one event name.
type EventHandler func(ctx context.Context, payload []byte)

// Transport is the live, low-latency event channel shared by every
// session in the process.
type Transport interface {
	// Listen registers a private listener for an event name.
	Listen(ctx context.Context, event string, handler EventHandler) (Subscription, error)

	// Emit publishes a payload under an event name.
	Emit(ctx context.Context, event string, payload []byte) error
}

// Tracker receives locally-originated messages so they show up in the
// timeline before the store confirms them.
type Tracker interface {
	AddProvisional(msg domain.Message)
	Retract(room domain.RoomID, id string)
	Acknowledge(room domain.RoomID, tempID, durableID string)
}

// LinkStatus is implemented by transports whose connection can drop and
// come back on its own. Listeners stay registered across a reconnect.
type LinkStatus interface {
	Connected() bool
}
