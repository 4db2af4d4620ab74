package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/chatsync/internal/domain"
)

// Receipt describes an accepted send.
type Receipt struct {
	// Message is the provisional message shown locally, with its temporary id.
	Message domain.Message
	// DurableID is the identifier assigned by the store.
	DurableID string
	// Published reports whether the live transport accepted the event.
	Published bool
}

// Gatekeeper checks a send against the entitlement rules, writes it to the
// durable store and then announces it on the live transport.
type Gatekeeper struct {
	store     DurableStore
	transport Transport
	tracker   Tracker
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// GatekeeperOption configures a Gatekeeper.
type GatekeeperOption func(*Gatekeeper)

// WithTracker makes accepted sends visible in the tracker before the store
// confirms them.
func WithTracker(t Tracker) GatekeeperOption {
	return func(g *Gatekeeper) {
		g.tracker = t
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) GatekeeperOption {
	return func(g *Gatekeeper) {
		g.now = now
	}
}

// WithGatekeeperLogger sets the gatekeeper logger.
func WithGatekeeperLogger(l *slog.Logger) GatekeeperOption {
	return func(g *Gatekeeper) {
		g.logger = l
	}
}

// NewGatekeeper creates a Gatekeeper. transport may be nil.
func NewGatekeeper(store DurableStore, transport Transport, opts ...GatekeeperOption) *Gatekeeper {
	g := &Gatekeeper{
		store:     store,
		transport: transport,
		now:       time.Now,
		newID:     func() string { return "tmp-" + uuid.NewString() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "send_gatekeeper")
	return g
}

// Send validates and commits a message. The durable write is the only
// step that can fail an accepted send: if it fails nothing is published
// and the provisional copy is withdrawn. A failed transport publish is
// logged and otherwise ignored.
func (g *Gatekeeper) Send(ctx context.Context, room domain.RoomID, body string, p domain.Principal) (Receipt, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Receipt{}, domain.ErrEmptyMessage
	}
	if !p.Authenticated() {
		return Receipt{}, domain.ErrUnauthenticated
	}
	if err := room.Validate(); err != nil {
		return Receipt{}, err
	}
	if !p.CanPost(room.Tier()) {
		return Receipt{}, fmt.Errorf("%w: %s is for premium members", domain.ErrSubscriptionRequired, room)
	}

	msg := domain.Message{
		ID:          g.newID(),
		RoomID:      room,
		SenderID:    p.ID,
		SenderLabel: p.Label(),
		Body:        body,
		CreatedAt:   g.now().UTC().Truncate(time.Millisecond),
		Origin:      domain.OriginLive,
	}
	if err := msg.Validate(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	if g.tracker != nil {
		g.tracker.AddProvisional(msg)
	}

	durableID, err := g.store.Append(ctx, room, RecordFromMessage(msg))
	if err != nil {
		if g.tracker != nil {
			g.tracker.Retract(room, msg.ID)
		}
		g.logger.Error("Failed to persist message", "room", room, "userID", p.ID, "error", err)
		return Receipt{}, fmt.Errorf("%w: %v", domain.ErrPersistFailed, err)
	}

	if g.tracker != nil {
		g.tracker.Acknowledge(room, msg.ID, durableID)
	}

	return Receipt{
		Message:   msg,
		DurableID: durableID,
		Published: g.publish(ctx, msg, durableID),
	}, nil
}

func (g *Gatekeeper) publish(ctx context.Context, msg domain.Message, durableID string) bool {
	if g.transport == nil {
		return false
	}
	payload, err := EncodeEvent(msg, durableID)
	if err != nil {
		g.logger.Error("Failed to encode transport event", "room", msg.RoomID, "error", err)
		return false
	}
	if err := g.transport.Emit(ctx, EventMessage, payload); err != nil {
		g.logger.Warn("Live publish failed, peers will see the message from the store", "room", msg.RoomID, "id", durableID, "error", err)
		return false
	}
	return true
}
