package chat

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/samber/lo"
)

// DefaultSkew is how far apart two timestamps may be for a live message
// and a durable one with the same sender and body to count as the same
// message.
const DefaultSkew = 2 * time.Second

type entry struct {
	msg domain.Message
	// seq is the arrival order, used as the last sort key.
	seq uint64
	// ackID is the durable identifier the store returned for a local send.
	ackID string
}

// Item is a timeline message with a key that stays the same when a live
// message is replaced by its durable copy.
type Item struct {
	Key     uint64
	Message domain.Message
}

// Merger reconciles one room's durable snapshots and live events into a
// single ordered timeline without duplicates.
type Merger struct {
	mu      sync.Mutex
	room    domain.RoomID
	self    string
	skew    time.Duration
	durable map[string]entry
	live    []entry
	seq     uint64
}

// NewMerger creates a merger for a room. self is the local principal's
// identifier; live events from it are treated as echoes.
func NewMerger(room domain.RoomID, self string, skew time.Duration) *Merger {
	if skew < 0 {
		skew = 0
	}
	return &Merger{
		room:    room,
		self:    self,
		skew:    skew,
		durable: make(map[string]entry),
	}
}

// Room returns the room the merger belongs to.
func (m *Merger) Room() domain.RoomID {
	return m.room
}

// ApplySnapshot replaces the durable subset with the snapshot's messages.
// Live messages matching a newly seen durable message are resolved into it.
// It reports whether the timeline changed.
func (m *Merger) ApplySnapshot(msgs []domain.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	resolved := make([]bool, len(m.live))
	next := make(map[string]entry, len(msgs))
	changed := len(msgs) != len(m.durable)

	for _, msg := range msgs {
		if msg.RoomID != m.room {
			continue
		}
		msg = msg.WithOrigin(msg.ID, domain.OriginDurable)

		e, known := m.durable[msg.ID]
		if !known {
			changed = true
			e = entry{seq: m.nextSeq()}
		}
		e.msg = msg

		i := m.exactLive(msg.ID, resolved)
		if i < 0 && !known {
			i = m.fuzzyLive(msg, resolved)
		}
		if i >= 0 {
			resolved[i] = true
			changed = true
			if !known {
				e.seq = m.live[i].seq
			}
		}
		next[msg.ID] = e
	}

	m.durable = next
	m.live = lo.Filter(m.live, func(_ entry, i int) bool { return !resolved[i] })
	return changed
}

// ApplyLive adds a message received on the transport. Echoes of the local
// principal's own sends and messages already known are ignored.
func (m *Merger) ApplyLive(msg domain.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.RoomID != m.room {
		return false
	}
	if m.self != "" && msg.SenderID == m.self {
		return false
	}
	if _, ok := m.durable[msg.ID]; ok {
		return false
	}
	for _, e := range m.live {
		if e.msg.ID == msg.ID {
			return false
		}
	}
	for _, e := range m.durable {
		if m.sameContent(e.msg, msg) {
			return false
		}
	}

	m.live = append(m.live, entry{msg: msg.WithOrigin(msg.ID, domain.OriginLive), seq: m.nextSeq()})
	return true
}

// AddProvisional inserts a locally sent message that the store has not
// confirmed yet.
func (m *Merger) AddProvisional(msg domain.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.RoomID != m.room {
		return false
	}
	m.live = append(m.live, entry{msg: msg.WithOrigin(msg.ID, domain.OriginLive), seq: m.nextSeq()})
	return true
}

// Retract removes a live message, used when its durable write failed.
func (m *Merger) Retract(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.live {
		if e.msg.ID == id {
			m.live = slices.Delete(m.live, i, i+1)
			return true
		}
	}
	return false
}

// Acknowledge records the durable identifier assigned to a local send. If
// the store already reported it, the live copy is dropped right away.
func (m *Merger) Acknowledge(tempID, durableID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.live {
		if m.live[i].msg.ID != tempID {
			continue
		}
		if d, ok := m.durable[durableID]; ok {
			d.seq = min(d.seq, m.live[i].seq)
			m.durable[durableID] = d
			m.live = slices.Delete(m.live, i, i+1)
			return true
		}
		m.live[i].ackID = durableID
		return false
	}
	return false
}

// Messages returns the timeline ordered by creation time, durable before
// live on ties, then by arrival.
func (m *Merger) Messages() []domain.Message {
	return lo.Map(m.Items(), func(it Item, _ int) domain.Message { return it.Message })
}

// Items returns the timeline in the same order as Messages, with each
// message's key.
func (m *Merger) Items() []Item {
	m.mu.Lock()
	entries := make([]entry, 0, len(m.durable)+len(m.live))
	for _, e := range m.durable {
		entries = append(entries, e)
	}
	entries = append(entries, m.live...)
	m.mu.Unlock()

	slices.SortFunc(entries, compareEntries)
	return lo.Map(entries, func(e entry, _ int) Item { return Item{Key: e.seq, Message: e.msg} })
}

// Len returns the number of messages in the timeline.
func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.durable) + len(m.live)
}

func compareEntries(a, b entry) int {
	if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(originRank(a.msg.Origin), originRank(b.msg.Origin)); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

func originRank(o domain.Origin) int {
	if o == domain.OriginDurable {
		return 0
	}
	return 1
}

func (m *Merger) nextSeq() uint64 {
	m.seq++
	return m.seq
}

// exactLive finds the unresolved live entry that is known to be the
// durable message with the given identifier.
func (m *Merger) exactLive(id string, resolved []bool) int {
	for i, e := range m.live {
		if resolved[i] {
			continue
		}
		if e.msg.ID == id || e.ackID == id {
			return i
		}
	}
	return -1
}

// fuzzyLive finds the oldest unresolved live entry with the same sender,
// body and a close enough timestamp.
func (m *Merger) fuzzyLive(msg domain.Message, resolved []bool) int {
	for i, e := range m.live {
		if resolved[i] {
			continue
		}
		if e.ackID != "" && e.ackID != msg.ID {
			continue
		}
		if m.sameContent(e.msg, msg) {
			return i
		}
	}
	return -1
}

func (m *Merger) sameContent(a, b domain.Message) bool {
	if a.SenderID != b.SenderID || a.Body != b.Body {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= m.skew
}
