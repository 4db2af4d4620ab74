package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nfrund/chatsync/internal/domain"
)

var validate = validator.New()

// Record is the stored form of a message under messages/{roomId}.
type Record struct {
	Sender    string `json:"sender" validate:"required"`
	Content   string `json:"content" validate:"required"`
	Timestamp int64  `json:"timestamp" validate:"gt=0"` // unix milliseconds
	IsBot     bool   `json:"isBot"`
	UserID    string `json:"userId,omitempty"`
}

// Event is the payload of a "message" transport event.
type Event struct {
	Record
	RoomID string `json:"roomId" validate:"required"`
	// ID is the durable identifier when the sender already had one.
	ID string `json:"id,omitempty"`
}

// RecordFromMessage converts a message to its stored form.
func RecordFromMessage(m domain.Message) Record {
	return Record{
		Sender:    m.SenderLabel,
		Content:   m.Body,
		Timestamp: m.CreatedAt.UnixMilli(),
		IsBot:     m.IsBot,
		UserID:    m.SenderID,
	}
}

// DecodeRecord validates a stored record and turns it into a durable message.
func DecodeRecord(room domain.RoomID, id string, rec Record) (domain.Message, error) {
	rec.Content = strings.TrimSpace(rec.Content)
	if err := validate.Struct(rec); err != nil {
		return domain.Message{}, fmt.Errorf("%w: record %s: %v", domain.ErrMalformedPayload, id, err)
	}
	msg := messageFromRecord(room, id, rec, domain.OriginDurable)
	if err := msg.Validate(); err != nil {
		return domain.Message{}, fmt.Errorf("%w: record %s: %v", domain.ErrMalformedPayload, id, err)
	}
	return msg, nil
}

// DecodeSnapshot decodes every entry of a snapshot. Entries that fail
// validation are skipped and reported in the returned error slice.
func DecodeSnapshot(snap Snapshot) ([]domain.Message, []error) {
	msgs := make([]domain.Message, 0, len(snap.Entries))
	var errs []error
	for _, e := range snap.Entries {
		msg, err := DecodeRecord(snap.Room, e.ID, e.Record)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, errs
}

// EncodeEvent builds the transport payload announcing a stored message.
func EncodeEvent(msg domain.Message, durableID string) ([]byte, error) {
	return json.Marshal(Event{
		Record: RecordFromMessage(msg),
		RoomID: msg.RoomID.String(),
		ID:     durableID,
	})
}

// DecodeEvent validates a transport payload and turns it into a live
// message. Events without a durable identifier get a local one.
func DecodeEvent(payload []byte) (domain.Message, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	evt.Content = strings.TrimSpace(evt.Content)
	if err := validate.Struct(evt); err != nil {
		return domain.Message{}, fmt.Errorf("%w: event: %v", domain.ErrMalformedPayload, err)
	}
	id := evt.ID
	if id == "" {
		id = "live-" + uuid.NewString()
	}
	msg := messageFromRecord(domain.RoomID(evt.RoomID), id, evt.Record, domain.OriginLive)
	if err := msg.Validate(); err != nil {
		return domain.Message{}, fmt.Errorf("%w: event: %v", domain.ErrMalformedPayload, err)
	}
	return msg, nil
}

func messageFromRecord(room domain.RoomID, id string, rec Record, origin domain.Origin) domain.Message {
	return domain.Message{
		ID:          id,
		RoomID:      room,
		SenderID:    rec.UserID,
		SenderLabel: rec.Sender,
		Body:        rec.Content,
		CreatedAt:   time.UnixMilli(rec.Timestamp).UTC(),
		IsBot:       rec.IsBot,
		Origin:      origin,
	}
}
