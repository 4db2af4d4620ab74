// Package relay is the live fan-out server. Every frame a client sends is
// broadcast to every connected client, the sender included.
package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Subscriber is one connected relay client. The Hub sends frames on Send
// and closes it when the subscriber is dropped.
type Subscriber struct {
	ID   string
	Send chan []byte
}

// Hub maintains the set of active subscribers and broadcasts frames to them.
type Hub struct {
	subscribers map[*Subscriber]bool
	count       atomic.Int64
	logger      *slog.Logger
	done        chan struct{}

	// Broadcast is the channel for inbound frames from any client.
	Broadcast chan []byte

	// Register is a channel for new subscribers to register with the hub.
	Register chan *Subscriber

	// Unregister is a channel for subscribers to unregister from the hub.
	Unregister chan *Subscriber
}

// NewHub creates and returns a new Hub instance.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Broadcast:   make(chan []byte, 64),
		Register:    make(chan *Subscriber),
		Unregister:  make(chan *Subscriber),
		subscribers: make(map[*Subscriber]bool),
		logger:      logger.With("component", "relay_hub"),
		done:        make(chan struct{}),
	}
}

// Join registers s. It returns false once the hub has stopped.
func (h *Hub) Join(s *Subscriber) bool {
	select {
	case h.Register <- s:
		return true
	case <-h.done:
		return false
	}
}

// Leave unregisters s. It does not block once the hub has stopped.
func (h *Hub) Leave(s *Subscriber) {
	select {
	case h.Unregister <- s:
	case <-h.done:
	}
}

// Publish queues a frame for broadcast. It returns false once the hub has
// stopped.
func (h *Hub) Publish(frame []byte) bool {
	select {
	case h.Broadcast <- frame:
		return true
	case <-h.done:
		return false
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	return int(h.count.Load())
}

// Run processes registrations and broadcasts until ctx is done. It must be
// run in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for s := range h.subscribers {
				h.drop(s)
			}
			h.logger.Info("Relay hub stopped")
			return

		case s := <-h.Register:
			h.subscribers[s] = true
			h.count.Store(int64(len(h.subscribers)))
			h.logger.Info("Subscriber registered", "user_id", s.ID, "total_subscribers", len(h.subscribers))

		case s := <-h.Unregister:
			if h.subscribers[s] {
				h.drop(s)
				h.logger.Info("Subscriber unregistered", "user_id", s.ID, "total_subscribers", len(h.subscribers))
			}

		case frame := <-h.Broadcast:
			h.logger.Debug("Broadcasting frame", "recipient_count", len(h.subscribers))
			for s := range h.subscribers {
				select {
				case s.Send <- frame:
				default:
					// A full buffer means the client is stuck.
					h.drop(s)
					h.logger.Warn("Unregistering slow subscriber", "user_id", s.ID, "total_subscribers", len(h.subscribers))
				}
			}
		}
	}
}

func (h *Hub) drop(s *Subscriber) {
	delete(h.subscribers, s)
	close(s.Send)
	h.count.Store(int64(len(h.subscribers)))
}
