package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/domain"
)

// command is one parsed line of terminal input.
type command struct {
	kind    string // "send", "switch", "quit" or "" for blank input
	body    string
	country string
	topic   string
}

var errUsage = errors.New("usage: /switch <country> <topic>")

func parseLine(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return command{kind: "send", body: line}, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return command{kind: "quit"}, nil
	case "/switch":
		if len(fields) != 3 {
			return command{}, errUsage
		}
		return command{kind: "switch", country: fields[1], topic: fields[2]}, nil
	default:
		return command{}, fmt.Errorf("unknown command %s", fields[0])
	}
}

// printer writes timeline items it has not shown before. Items are
// recognised by key, which survives a local send getting its durable id,
// so identical messages sent twice still print twice.
type printer struct {
	w    io.Writer
	seen map[uint64]bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, seen: make(map[uint64]bool)}
}

// reset forgets what was printed. Keys restart when the session changes room.
func (p *printer) reset() {
	p.seen = make(map[uint64]bool)
}

func (p *printer) render(items []chat.Item) {
	for _, it := range items {
		if p.seen[it.Key] {
			continue
		}
		p.seen[it.Key] = true
		fmt.Fprintln(p.w, formatMessage(it.Message))
	}
}

func formatMessage(m domain.Message) string {
	sender := m.SenderLabel
	if m.IsBot {
		sender += " [bot]"
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), sender, m.Body)
}
