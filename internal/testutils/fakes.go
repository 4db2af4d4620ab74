package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/domain"
)

// FakeStore is an in-memory chat.DurableStore. Snapshots are delivered
// synchronously on the goroutine that caused them, which keeps tests
// deterministic.
type FakeStore struct {
	mu      sync.Mutex
	rooms   map[domain.RoomID][]chat.Entry
	subs    map[int]*fakeStoreSub
	nextSub int
	nextID  int
	hold    bool

	// BlockSubscribe makes Subscribe wait until its context is done and
	// fail with the context's error, like a store whose first load hangs.
	BlockSubscribe bool
	// AppendErr, when set, fails every Append.
	AppendErr error
	// SubscribeErr, when set, fails every Subscribe.
	SubscribeErr error
}

type fakeStoreSub struct {
	room    domain.RoomID
	handler chat.SnapshotHandler
	held    bool
}

// NewFakeStore creates an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		rooms: make(map[domain.RoomID][]chat.Entry),
		subs:  make(map[int]*fakeStoreSub),
	}
}

// Hold makes new subscriptions wait for Flush before their first snapshot.
func (s *FakeStore) Hold(v bool) {
	s.mu.Lock()
	s.hold = v
	s.mu.Unlock()
}

// Subscribe implements chat.DurableStore.
func (s *FakeStore) Subscribe(ctx context.Context, room domain.RoomID, handler chat.SnapshotHandler) (chat.Subscription, error) {
	s.mu.Lock()
	if s.BlockSubscribe {
		s.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.SubscribeErr != nil {
		err := s.SubscribeErr
		s.mu.Unlock()
		return nil, err
	}
	s.nextSub++
	id := s.nextSub
	sub := &fakeStoreSub{room: room, handler: handler, held: s.hold}
	s.subs[id] = sub
	snap := s.snapshotLocked(room)
	s.mu.Unlock()

	if !sub.held {
		handler(snap)
	}

	var once sync.Once
	return chat.SubscriptionFunc(func() error {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
		return nil
	}), nil
}

// Append implements chat.DurableStore.
func (s *FakeStore) Append(ctx context.Context, room domain.RoomID, rec chat.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.AppendErr != nil {
		err := s.AppendErr
		s.mu.Unlock()
		return "", err
	}
	s.nextID++
	id := fmt.Sprintf("m%04d", s.nextID)
	s.mu.Unlock()

	s.Inject(room, id, rec)
	return id, nil
}

// Inject stores a record as if another client had written it and notifies
// subscribers of the room.
func (s *FakeStore) Inject(room domain.RoomID, id string, rec chat.Record) {
	s.mu.Lock()
	s.rooms[room] = append(s.rooms[room], chat.Entry{ID: id, Record: rec})
	s.mu.Unlock()
	s.Deliver(room)
}

// Deliver sends the current value of room to its subscribers that are not held.
func (s *FakeStore) Deliver(room domain.RoomID) {
	s.mu.Lock()
	snap := s.snapshotLocked(room)
	var handlers []chat.SnapshotHandler
	for _, sub := range s.subs {
		if sub.room == room && !sub.held {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(snap)
	}
}

// Flush releases held subscriptions with the current value of their rooms.
func (s *FakeStore) Flush() {
	s.mu.Lock()
	type pending struct {
		h    chat.SnapshotHandler
		snap chat.Snapshot
	}
	var ps []pending
	for _, sub := range s.subs {
		if sub.held {
			sub.held = false
			ps = append(ps, pending{sub.handler, s.snapshotLocked(sub.room)})
		}
	}
	s.mu.Unlock()

	for _, p := range ps {
		p.h(p.snap)
	}
}

// Subscribers returns the number of active subscriptions on room.
func (s *FakeStore) Subscribers(room domain.RoomID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.room == room {
			n++
		}
	}
	return n
}

// Entries returns a copy of the room's stored entries.
func (s *FakeStore) Entries(room domain.RoomID) []chat.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Entry(nil), s.rooms[room]...)
}

func (s *FakeStore) snapshotLocked(room domain.RoomID) chat.Snapshot {
	return chat.Snapshot{Room: room, Entries: append([]chat.Entry(nil), s.rooms[room]...)}
}

// FakeTransport is an in-memory chat.Transport. Emit records the payload
// and, when Echo is set, delivers it to local listeners the way the relay
// echoes to the sender.
type FakeTransport struct {
	mu        sync.Mutex
	listeners map[int]fakeListener
	nextID    int
	emitted   [][]byte
	down      bool

	Echo      bool
	ListenErr error
	EmitErr   error
}

type fakeListener struct {
	event   string
	ctx     context.Context
	handler chat.EventHandler
}

// NewFakeTransport creates a transport with no listeners.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{listeners: make(map[int]fakeListener)}
}

// Listen implements chat.Transport.
func (t *FakeTransport) Listen(ctx context.Context, event string, handler chat.EventHandler) (chat.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ListenErr != nil {
		return nil, t.ListenErr
	}
	t.nextID++
	id := t.nextID
	t.listeners[id] = fakeListener{event: event, ctx: ctx, handler: handler}
	return chat.SubscriptionFunc(func() error {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
		return nil
	}), nil
}

// Emit implements chat.Transport.
func (t *FakeTransport) Emit(ctx context.Context, event string, payload []byte) error {
	t.mu.Lock()
	if t.EmitErr != nil {
		err := t.EmitErr
		t.mu.Unlock()
		return err
	}
	t.emitted = append(t.emitted, append([]byte(nil), payload...))
	echo := t.Echo
	t.mu.Unlock()

	if echo {
		t.Deliver(event, payload)
	}
	return nil
}

// Deliver hands payload to every listener of event, as if a peer sent it.
func (t *FakeTransport) Deliver(event string, payload []byte) {
	t.mu.Lock()
	var ls []fakeListener
	for _, l := range t.listeners {
		if l.event == event && l.ctx.Err() == nil {
			ls = append(ls, l)
		}
	}
	t.mu.Unlock()

	for _, l := range ls {
		l.handler(l.ctx, payload)
	}
}

// SetConnected simulates the connection dropping or coming back.
// Listeners stay registered either way.
func (t *FakeTransport) SetConnected(up bool) {
	t.mu.Lock()
	t.down = !up
	t.mu.Unlock()
}

// Connected implements chat.LinkStatus.
func (t *FakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.down
}

// Listeners returns the number of registered listeners for event.
func (t *FakeTransport) Listeners(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, l := range t.listeners {
		if l.event == event {
			n++
		}
	}
	return n
}

// Emitted returns copies of every payload emitted so far.
func (t *FakeTransport) Emitted() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.emitted...)
}
