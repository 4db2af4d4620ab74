package domain

import (
	"fmt"
	"strings"
)

// RoomID identifies a topic-scoped room, composed as "<country>-<topic>".
type RoomID string

// Tier is the entitlement a principal needs to post in a room.
type Tier string

const (
	TierOpen       Tier = "open"
	TierRestricted Tier = "restricted"
)

// GeneralTopic is the topic of the one open room per country.
const GeneralTopic = "general"

const roomSeparator = "-"

// NewRoomID composes a room identifier from a country key and a topic.
func NewRoomID(country, topic string) RoomID {
	return RoomID(strings.TrimSpace(country) + roomSeparator + strings.TrimSpace(topic))
}

// Tier returns TierOpen for a country's general room and TierRestricted
// for every other room.
// NOTE: this is a naming convention, not stored data.
func (r RoomID) Tier() Tier {
	if strings.HasSuffix(string(r), roomSeparator+GeneralTopic) {
		return TierOpen
	}
	return TierRestricted
}

// Country returns the country part of the identifier, or "" when the id
// is not composed.
func (r RoomID) Country() string {
	country, _, ok := strings.Cut(string(r), roomSeparator)
	if !ok {
		return ""
	}
	return country
}

// Topic returns the topic part of the identifier, or "" when the id is
// not composed.
func (r RoomID) Topic() string {
	_, topic, ok := strings.Cut(string(r), roomSeparator)
	if !ok {
		return ""
	}
	return topic
}

// Validate reports ErrInvalidRoom unless the id has a country and a topic
// and can be used as a store path segment.
func (r RoomID) Validate() error {
	if r.Country() == "" || r.Topic() == "" || strings.ContainsAny(string(r), " \t\r\n/") {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, string(r))
	}
	return nil
}

// Path is the durable-store path holding the room's messages.
func (r RoomID) Path() string {
	return "messages/" + string(r)
}

func (r RoomID) String() string {
	return string(r)
}
