// Package storage holds the embedded durable message store used when no
// SurrealDB endpoint is configured.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/samber/lo"
)

// BadgerStore is a chat.DurableStore on an embedded Badger database.
//
// Messages live under "msg:{room}:{id}" where id starts with a 19-digit
// zero-padded nanosecond timestamp, so a prefix scan returns a room's
// messages in insertion order.
type BadgerStore struct {
	db     *badger.DB
	log    *slog.Logger
	now    func() time.Time
	closed bool

	mu    sync.Mutex
	feeds map[domain.RoomID]map[*chat.Feed]struct{}
}

var _ chat.DurableStore = (*BadgerStore)(nil)

// Open opens a store at path. An empty path keeps everything in memory.
func Open(path string, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return NewBadgerStore(db, log), nil
}

// NewBadgerStore wraps an open database. The store takes ownership of db.
func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	if log == nil {
		log = slog.Default()
	}
	return &BadgerStore{
		db:    db,
		log:   log.With("component", "badger_message_store"),
		now:   time.Now,
		feeds: make(map[domain.RoomID]map[*chat.Feed]struct{}),
	}
}

// Append stores rec under the room and wakes the room's subscribers.
func (s *BadgerStore) Append(ctx context.Context, room domain.RoomID, rec chat.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	bytes, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("%019d-%s", s.now().UnixNano(), uuid.NewString()[:8])
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(room, id), bytes)
	})
	if err != nil {
		return "", fmt.Errorf("store message in %s: %w", room, err)
	}
	s.log.Debug("Message stored", "room", room, "id", id)
	s.signal(room)
	return id, nil
}

// Subscribe delivers the room's messages now and after every Append.
func (s *BadgerStore) Subscribe(ctx context.Context, room domain.RoomID, handler chat.SnapshotHandler) (chat.Subscription, error) {
	feed := chat.NewFeed(room, func(context.Context) (chat.Snapshot, error) {
		return s.Snapshot(room)
	}, handler, s.log)

	s.mu.Lock()
	set, ok := s.feeds[room]
	if !ok {
		set = make(map[*chat.Feed]struct{})
		s.feeds[room] = set
	}
	set[feed] = struct{}{}
	s.mu.Unlock()

	feed.OnStop(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.feeds[room], feed)
		if len(s.feeds[room]) == 0 {
			delete(s.feeds, room)
		}
	})

	if err := feed.Start(ctx); err != nil {
		return nil, err
	}
	return feed, nil
}

// Snapshot reads every message of a room.
func (s *BadgerStore) Snapshot(room domain.RoomID) (chat.Snapshot, error) {
	snap := chat.Snapshot{Room: room}
	prefix := roomPrefix(room)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefix):])
			err := item.Value(func(value []byte) error {
				var rec chat.Record
				if err := json.Unmarshal(value, &rec); err != nil {
					s.log.Warn("Skipping undecodable message", "room", room, "id", id, "error", err)
					return nil
				}
				snap.Entries = append(snap.Entries, chat.Entry{ID: id, Record: rec})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return chat.Snapshot{}, fmt.Errorf("read %s: %w", room.Path(), err)
	}
	return snap, nil
}

// Subscribers returns the number of live subscriptions on a room.
func (s *BadgerStore) Subscribers(room domain.RoomID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds[room])
}

// Close stops every subscription and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	feeds := lo.FlatMap(lo.Values(s.feeds), func(set map[*chat.Feed]struct{}, _ int) []*chat.Feed {
		return lo.Keys(set)
	})
	s.mu.Unlock()

	for _, f := range feeds {
		_ = f.Unsubscribe()
	}
	return s.db.Close()
}

func (s *BadgerStore) signal(room domain.RoomID) {
	s.mu.Lock()
	feeds := lo.Keys(s.feeds[room])
	s.mu.Unlock()
	for _, f := range feeds {
		f.Signal()
	}
}

func roomPrefix(room domain.RoomID) []byte {
	return []byte(fmt.Sprintf("msg:%s:", room))
}

func messageKey(room domain.RoomID, id string) []byte {
	return append(roomPrefix(room), id...)
}
