package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateAttached
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateAttached:
		return "attached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// attachment is everything acquired for one room. It is torn down as a
// unit; handlers holding a stale attachment become no-ops.
type attachment struct {
	room   domain.RoomID
	merger *Merger
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	once   sync.Once

	mu     sync.Mutex
	subs   []Subscription
	closed bool
}

func (a *attachment) markReady() {
	a.once.Do(func() { close(a.ready) })
}

// add keeps sub for teardown. If the attachment was already torn down the
// subscription is released immediately and add returns false.
func (a *attachment) add(sub Subscription, logger *slog.Logger) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("Failed to release late subscription", "room", a.room, "error", err)
		}
		return false
	}
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
	return true
}

func (a *attachment) teardown(logger *slog.Logger) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()

	a.cancel()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("Failed to release room subscription", "room", a.room, "error", err)
		}
	}
}

// Session owns the durable subscription and the live listener for the
// room currently shown on one surface.
type Session struct {
	store     DurableStore
	transport Transport
	identity  domain.IdentityProvider
	skew      time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	cur      *attachment
	degraded bool
	changes  chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSkew sets the timestamp window used to match live and durable copies.
func WithSkew(d time.Duration) SessionOption {
	return func(s *Session) {
		s.skew = d
	}
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// NewSession creates a closed session. transport may be nil, in which case
// every room is opened in durable-only mode.
func NewSession(store DurableStore, transport Transport, identity domain.IdentityProvider, opts ...SessionOption) *Session {
	s := &Session{
		store:     store,
		transport: transport,
		identity:  identity,
		skew:      DefaultSkew,
		logger:    slog.Default(),
		changes:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "room_session")
	return s
}

// Open attaches the session to a room and waits for the first durable
// snapshot. If the live transport cannot attach, the session stays open in
// durable-only mode and Open returns an error wrapping
// domain.ErrTransportUnavailable.
func (s *Session) Open(ctx context.Context, room domain.RoomID) error {
	s.mu.Lock()
	if s.state != StateClosed {
		current := s.cur
		s.mu.Unlock()
		if current != nil {
			return fmt.Errorf("session already attached to %s", current.room)
		}
		return errors.New("session is busy")
	}
	a := s.beginLocked(room)
	s.state = StateOpening
	s.mu.Unlock()

	return s.attach(ctx, a)
}

// SwitchRoom moves the session to another room. The previous room's
// subscriptions are released before the new ones are taken, and nothing
// from the previous room reaches the new timeline. The state is left as it
// was until the new room attaches, so observers of an attached session
// keep seeing StateAttached during the switch. If the new room fails to
// attach the session ends up closed.
func (s *Session) SwitchRoom(ctx context.Context, room domain.RoomID) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return s.Open(ctx, room)
	}
	if s.cur != nil && s.cur.room == room {
		s.mu.Unlock()
		return nil
	}
	prev := s.cur
	a := s.beginLocked(room)
	s.mu.Unlock()

	if prev != nil {
		prev.teardown(s.logger)
		s.logger.Info("Left room", "room", prev.room, "next", room)
	}
	return s.attach(ctx, a)
}

// Close releases the durable subscription and the live listener. It is
// safe to call any number of times.
func (s *Session) Close() error {
	s.mu.Lock()
	a := s.cur
	if a == nil && s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.cur = nil
	s.state = StateClosed
	s.degraded = false
	s.mu.Unlock()

	if a != nil {
		a.teardown(s.logger)
		s.logger.Info("Room session closed", "room", a.room)
	}
	s.notify()
	return nil
}

// Timeline returns the merged messages of the current room.
func (s *Session) Timeline() []domain.Message {
	s.mu.Lock()
	a := s.cur
	s.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.merger.Messages()
}

// Items returns the merged messages of the current room with their
// timeline keys.
func (s *Session) Items() []Item {
	s.mu.Lock()
	a := s.cur
	s.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.merger.Items()
}

// Changes signals whenever the timeline may have changed. Signals are
// coalesced; read Timeline after each one.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// Room returns the current room, or "" when closed.
func (s *Session) Room() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.room
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Degraded reports whether the current room is without live delivery,
// either because its listener could not attach or because the transport
// has lost its connection.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	cur, degraded := s.cur, s.degraded
	s.mu.Unlock()
	if cur == nil {
		return false
	}
	if degraded {
		return true
	}
	link, ok := s.transport.(LinkStatus)
	return ok && !link.Connected()
}

// AddProvisional implements Tracker.
func (s *Session) AddProvisional(msg domain.Message) {
	if a := s.attached(msg.RoomID); a != nil && a.merger.AddProvisional(msg) {
		s.notify()
	}
}

// Retract implements Tracker.
func (s *Session) Retract(room domain.RoomID, id string) {
	if a := s.attached(room); a != nil && a.merger.Retract(id) {
		s.notify()
	}
}

// Acknowledge implements Tracker.
func (s *Session) Acknowledge(room domain.RoomID, tempID, durableID string) {
	if a := s.attached(room); a != nil && a.merger.Acknowledge(tempID, durableID) {
		s.notify()
	}
}

func (s *Session) beginLocked(room domain.RoomID) *attachment {
	ctx, cancel := context.WithCancel(context.Background())
	a := &attachment{
		room:   room,
		merger: NewMerger(room, s.identity.Current().ID, s.skew),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
	s.cur = a
	s.degraded = false
	return a
}

func (s *Session) attach(ctx context.Context, a *attachment) error {
	logger := s.logger.With("room", a.room)

	// The subscribe call honours both the attachment and the caller's
	// deadline; the subscription it returns lives as long as the attachment.
	subCtx, cancelSub := context.WithCancel(a.ctx)
	if !a.add(SubscriptionFunc(func() error { cancelSub(); return nil }), logger) {
		return domain.ErrSessionClosed
	}
	stopWatch := context.AfterFunc(ctx, cancelSub)
	durableSub, err := s.store.Subscribe(subCtx, a.room, func(snap Snapshot) {
		s.onSnapshot(a, snap)
	})
	stopWatch()
	if err != nil {
		if a.ctx.Err() != nil {
			return domain.ErrSessionClosed
		}
		s.release(a)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("open %s: %w", a.room, ctxErr)
		}
		return fmt.Errorf("subscribe to %s: %w", a.room.Path(), err)
	}
	if !a.add(durableSub, logger) {
		return domain.ErrSessionClosed
	}

	liveErr := s.listen(a)
	if liveErr != nil {
		s.mu.Lock()
		if s.cur == a {
			s.degraded = true
		}
		s.mu.Unlock()
		logger.Warn("Live transport unavailable, continuing with durable history only", "error", liveErr)
	}

	select {
	case <-a.ready:
	case <-a.ctx.Done():
		return domain.ErrSessionClosed
	case <-ctx.Done():
		s.release(a)
		return fmt.Errorf("open %s: %w", a.room, ctx.Err())
	}

	s.mu.Lock()
	if s.cur != a {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.state = StateAttached
	s.mu.Unlock()

	logger.Info("Joined room", "messages", a.merger.Len(), "live", liveErr == nil)
	s.notify()
	return liveErr
}

func (s *Session) listen(a *attachment) error {
	if s.transport == nil {
		return domain.ErrTransportUnavailable
	}
	sub, err := s.transport.Listen(a.ctx, EventMessage, func(_ context.Context, payload []byte) {
		s.onEvent(a, payload)
	})
	if err != nil {
		if errors.Is(err, domain.ErrTransportUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	a.add(sub, s.logger)
	return nil
}

// release tears down a, and closes the session if a is still current.
func (s *Session) release(a *attachment) {
	s.mu.Lock()
	if s.cur == a {
		s.cur = nil
		s.state = StateClosed
		s.degraded = false
	}
	s.mu.Unlock()
	a.teardown(s.logger)
}

func (s *Session) onSnapshot(a *attachment, snap Snapshot) {
	if snap.Room != a.room || !s.isCurrent(a) {
		s.logger.Debug("Discarding snapshot for detached room", "room", snap.Room)
		return
	}
	msgs, errs := DecodeSnapshot(snap)
	for _, err := range errs {
		s.logger.Warn("Skipping malformed stored message", "room", a.room, "error", err)
	}
	changed := a.merger.ApplySnapshot(msgs)
	a.markReady()
	if changed {
		s.notify()
	}
}

func (s *Session) onEvent(a *attachment, payload []byte) {
	if !s.isCurrent(a) {
		return
	}
	msg, err := DecodeEvent(payload)
	if err != nil {
		s.logger.Warn("Ignoring malformed transport event", "room", a.room, "error", err)
		return
	}
	if msg.RoomID != a.room {
		return
	}
	if a.merger.ApplyLive(msg) {
		s.notify()
	}
}

func (s *Session) isCurrent(a *attachment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == a
}

func (s *Session) attached(room domain.RoomID) *attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.room != room {
		return nil
	}
	return s.cur
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
