package domain

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// validatorInstance is a package-level validator instance.
// Using a single instance is more efficient as it caches struct information.
var validatorInstance = validator.New()

// Origin tells whether a message has been confirmed by the durable store.
type Origin string

const (
	// OriginDurable marks a message reported by the durable store.
	OriginDurable Origin = "durable"
	// OriginLive marks a message seen only on the live transport, or sent
	// locally and not yet confirmed.
	OriginLive Origin = "live"
)

// Message is an immutable chat message as shown in a room timeline.
type Message struct {
	ID          string    `json:"id" validate:"required"`
	RoomID      RoomID    `json:"roomId" validate:"required"`
	SenderID    string    `json:"userId,omitempty"`
	SenderLabel string    `json:"sender" validate:"required"`
	Body        string    `json:"content" validate:"required"`
	CreatedAt   time.Time `json:"timestamp" validate:"required"`
	IsBot       bool      `json:"isBot"`
	Origin      Origin    `json:"origin" validate:"oneof=durable live"`
}

// Validate runs the struct tag checks on the message.
func (m Message) Validate() error {
	return validatorInstance.Struct(m)
}

// WithOrigin returns a copy of the message carrying the given identifier
// and origin. The receiver is left untouched.
func (m Message) WithOrigin(id string, origin Origin) Message {
	m.ID = id
	m.Origin = origin
	return m
}

// IsDurable reports whether the store has confirmed the message.
func (m Message) IsDurable() bool {
	return m.Origin == OriginDurable
}
