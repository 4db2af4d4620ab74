package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

const messageTable = "message"

// messageRow is the SurrealDB shape of a stored chat message.
type messageRow struct {
	ID        *models.RecordID `json:"id,omitempty"`
	Room      string           `json:"room"`
	Sender    string           `json:"sender"`
	Content   string           `json:"content"`
	Timestamp int64            `json:"timestamp"`
	IsBot     bool             `json:"isBot"`
	UserID    string           `json:"userId,omitempty"`
}

func (r messageRow) entry() chat.Entry {
	var id string
	if r.ID != nil {
		id = fmt.Sprint(r.ID.ID)
	}
	return chat.Entry{
		ID: id,
		Record: chat.Record{
			Sender:    r.Sender,
			Content:   r.Content,
			Timestamp: r.Timestamp,
			IsBot:     r.IsBot,
			UserID:    r.UserID,
		},
	}
}

// MessageStore is a chat.DurableStore backed by the SurrealDB message table.
// Room subscriptions are driven by a live query per subscriber; every
// change triggers a full reload of the room.
type MessageStore struct {
	conn   Conn
	live   LiveQueryService
	logger *slog.Logger
}

var _ chat.DurableStore = (*MessageStore)(nil)

// NewMessageStore creates a store over an established connection.
func NewMessageStore(conn Conn, live LiveQueryService, logger *slog.Logger) *MessageStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageStore{
		conn:   conn,
		live:   live,
		logger: logger.With("component", "surreal_message_store"),
	}
}

// Append creates a message record under the room and returns its id.
func (s *MessageStore) Append(ctx context.Context, room domain.RoomID, rec chat.Record) (string, error) {
	ctx, cancel := withTimeout(ctx, appendTimeoutKey, s.conn.AppendTimeout())
	defer cancel()

	query := "CREATE type::thing($table, rand::ulid()) CONTENT $data"
	params := map[string]any{
		"table": messageTable,
		"data": map[string]any{
			"room":      room.String(),
			"sender":    rec.Sender,
			"content":   rec.Content,
			"timestamp": rec.Timestamp,
			"isBot":     rec.IsBot,
			"userId":    rec.UserID,
		},
	}

	var created *messageRow
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		row, err := QueryOne[messageRow](ctx, db, query, params)
		created = row
		return err
	})
	if err != nil {
		return "", err
	}
	if created == nil || created.ID == nil {
		return "", opError("append message", query, fmt.Errorf("%w: create returned no record", ErrQueryFailed))
	}
	id := created.entry().ID
	s.logger.Debug("Message stored", "room", room, "id", id)
	return id, nil
}

// Subscribe delivers the room's messages now and after every change.
func (s *MessageStore) Subscribe(ctx context.Context, room domain.RoomID, handler chat.SnapshotHandler) (chat.Subscription, error) {
	feed := chat.NewFeed(room, func(ctx context.Context) (chat.Snapshot, error) {
		return s.snapshot(ctx, room)
	}, handler, s.logger)

	liveSub, err := s.live.Subscribe(ctx, messageTable, &LiveQueryFilter{
		Where:  "room = $room",
		Params: map[string]any{"room": room.String()},
	}, func(context.Context, LiveQueryAction, any) {
		feed.Signal()
	})
	if err != nil {
		return nil, err
	}
	feed.OnStop(func() {
		if err := s.live.Unsubscribe(liveSub.ID); err != nil {
			s.logger.Warn("Failed to stop live query", "room", room, "error", err)
		}
	})

	if err := feed.Start(ctx); err != nil {
		return nil, err
	}
	return feed, nil
}

func (s *MessageStore) snapshot(ctx context.Context, room domain.RoomID) (chat.Snapshot, error) {
	ctx, cancel := withTimeout(ctx, queryTimeoutKey, s.conn.QueryTimeout())
	defer cancel()

	query := "SELECT * FROM type::table($table) WHERE room = $room ORDER BY timestamp, id"
	params := map[string]any{"table": messageTable, "room": room.String()}

	var rows []messageRow
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var err error
		rows, err = Query[messageRow](ctx, db, query, params)
		return err
	})
	if err != nil {
		return chat.Snapshot{}, err
	}

	snap := chat.Snapshot{Room: room, Entries: make([]chat.Entry, 0, len(rows))}
	for _, r := range rows {
		snap.Entries = append(snap.Entries, r.entry())
	}
	return snap, nil
}
