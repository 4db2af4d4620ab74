// Package catalog lists the countries and rooms a client can join.
package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed rooms.json
var defaultCatalog []byte

// ErrUnknownRoom is returned when a room is not in the catalog.
var ErrUnknownRoom = errors.New("unknown room")

var validate = validator.New()

// Country is one country with rooms.
type Country struct {
	ID   string `json:"id" validate:"required,alphanum"`
	Name string `json:"name" validate:"required"`
	Code string `json:"code" validate:"required,len=2"`
}

// Banner is the heading shown above a room.
type Banner struct {
	Team      string   `json:"team"`
	Subtitles []string `json:"subtitles" validate:"max=2"`
}

// SeedMessage is a message a room starts with when its history is empty.
// At is a wall-clock time, HH:MM.
type SeedMessage struct {
	Sender  string `json:"sender" validate:"required"`
	Content string `json:"content" validate:"required"`
	At      string `json:"at" validate:"required,datetime=15:04"`
	IsBot   bool   `json:"isBot"`
}

// Room is one joinable room.
type Room struct {
	ID      domain.RoomID
	Country Country
	Topic   string
	Title   string
	Banner  Banner
	Seed    []SeedMessage
}

// SeedRecords returns the room's seed messages as store records dated on
// day, in the location of day.
func (r Room) SeedRecords(day time.Time) []chat.Record {
	y, m, d := day.Date()
	return lo.Map(r.Seed, func(s SeedMessage, _ int) chat.Record {
		at, _ := time.Parse("15:04", s.At)
		ts := time.Date(y, m, d, at.Hour(), at.Minute(), 0, 0, day.Location())
		return chat.Record{
			Sender:    s.Sender,
			Content:   s.Content,
			Timestamp: ts.UnixMilli(),
			IsBot:     s.IsBot,
		}
	})
}

// Tier returns the entitlement needed to post in the room.
func (r Room) Tier() domain.Tier {
	return r.ID.Tier()
}

type roomExtras struct {
	Banner *Banner        `json:"banner"`
	Seed   []SeedMessage `json:"seed" validate:"dive"`
}

type file struct {
	Topics    []string              `json:"topics" validate:"required,min=1,dive,required,excludes=-"`
	Countries []Country             `json:"countries" validate:"required,min=1,dive"`
	Banner    Banner                `json:"banner"`
	Rooms     map[string]roomExtras `json:"rooms" validate:"dive"`
}

// Catalog is an immutable list of rooms.
type Catalog struct {
	countries []Country
	rooms     []Room
	byID      map[domain.RoomID]Room
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path on fs. An empty path returns the
// built-in catalog.
func Load(fs afero.Fs, path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from its JSON form.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	titleCase := cases.Title(language.English)
	c := &Catalog{byID: make(map[domain.RoomID]Room)}
	for _, country := range f.Countries {
		country.ID = strings.ToLower(country.ID)
		country.Name = titleCase.String(country.Name)
		c.countries = append(c.countries, country)

		for _, topic := range lo.Uniq(f.Topics) {
			topic = strings.ToLower(topic)
			room := Room{
				ID:      domain.NewRoomID(country.ID, topic),
				Country: country,
				Topic:   topic,
				Title:   fmt.Sprintf("%s %s", country.Name, titleCase.String(topic)),
				Banner:  f.Banner,
			}
			if extra, ok := f.Rooms[room.ID.String()]; ok {
				if extra.Banner != nil {
					room.Banner = *extra.Banner
				}
				room.Seed = extra.Seed
			}
			if _, dup := c.byID[room.ID]; dup {
				return nil, fmt.Errorf("invalid catalog: duplicate room %s", room.ID)
			}
			c.byID[room.ID] = room
			c.rooms = append(c.rooms, room)
		}
	}
	for id := range f.Rooms {
		if _, ok := c.byID[domain.RoomID(id)]; !ok {
			return nil, fmt.Errorf("invalid catalog: details for unknown room %s", id)
		}
	}
	return c, nil
}

// Countries returns every country in catalog order.
func (c *Catalog) Countries() []Country {
	return append([]Country(nil), c.countries...)
}

// Rooms returns every room in catalog order.
func (c *Catalog) Rooms() []Room {
	return append([]Room(nil), c.rooms...)
}

// RoomsIn returns the rooms of one country.
func (c *Catalog) RoomsIn(country string) []Room {
	country = strings.ToLower(country)
	return lo.Filter(c.rooms, func(r Room, _ int) bool {
		return r.Country.ID == country
	})
}

// Lookup finds a room by id.
func (c *Catalog) Lookup(id domain.RoomID) (Room, bool) {
	r, ok := c.byID[id]
	return r, ok
}

// Resolve finds the room for a country and topic, case-insensitively.
func (c *Catalog) Resolve(country, topic string) (Room, error) {
	id := domain.NewRoomID(strings.ToLower(country), strings.ToLower(topic))
	r, ok := c.byID[id]
	if !ok {
		return Room{}, fmt.Errorf("%w: %s", ErrUnknownRoom, id)
	}
	return r, nil
}
