// Package bot answers a member's chat messages with a scripted reply that is
// stored like any other message, marked as coming from a bot.
package bot

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/script"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/samber/lo"
)

//go:embed reply.tengo
var defaultScript string

// ScriptInputs are the variables a reply script can read.
var ScriptInputs = []string{"message", "sender", "replies"}

// DefaultReplies are handed to the reply script as `replies`.
var DefaultReplies = []string{
	"That's interesting! Tell me more.",
	"I agree with your point.",
	"Have you considered looking into this further?",
	"That's helpful information, thanks for sharing!",
	"I had a similar experience as well.",
}

// Responder watches the bus for the local member's messages and, after a
// short pause, appends the reply its script picks to the same room.
type Responder struct {
	store     chat.DurableStore
	bus       pubsub.Subscriber
	transport chat.Transport
	self      string
	program   *script.Program
	name      string
	delay     time.Duration
	replies   []string
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Responder.
type Option func(*Responder)

// WithName sets the sender label of bot messages. An empty name keeps
// the default.
func WithName(name string) Option {
	return func(r *Responder) {
		if name != "" {
			r.name = name
		}
	}
}

// WithDelay sets the pause before a reply.
func WithDelay(d time.Duration) Option {
	return func(r *Responder) {
		r.delay = max(d, 0)
	}
}

// WithReplies replaces the canned replies passed to the script.
func WithReplies(replies []string) Option {
	return func(r *Responder) {
		r.replies = replies
	}
}

// WithProgram replaces the built-in reply script.
func WithProgram(p *script.Program) Option {
	return func(r *Responder) {
		r.program = p
	}
}

// WithTransport announces replies on the live transport after storing them.
func WithTransport(t chat.Transport) Option {
	return func(r *Responder) {
		r.transport = t
	}
}

// WithLogger sets the responder logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) {
		r.logger = l
	}
}

// WithClock overrides the time source for reply timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Responder) {
		r.now = now
	}
}

// CompileDefault compiles the built-in reply script.
func CompileDefault(engine *script.Engine) (*script.Program, error) {
	return engine.Compile("reply.tengo", defaultScript, ScriptInputs...)
}

// NewResponder creates a responder for the member identified by self.
func NewResponder(store chat.DurableStore, bus pubsub.Subscriber, self string, opts ...Option) (*Responder, error) {
	r := &Responder{
		store:   store,
		bus:     bus,
		self:    self,
		name:    "ChatBot",
		delay:   time.Second,
		replies: DefaultReplies,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "bot")

	if r.self == "" {
		return nil, errors.New("bot: member id is required")
	}
	if r.program == nil {
		p, err := CompileDefault(script.NewEngine(script.WithLogger(r.logger)))
		if err != nil {
			return nil, err
		}
		r.program = p
	}
	return r, nil
}

// Start subscribes to inbound message events. Replies stop with Stop or
// when ctx ends.
func (r *Responder) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if err := r.bus.Subscribe(ctx, transport.Topic(chat.EventMessage), r.handle(ctx)); err != nil {
		cancel()
		return err
	}
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	r.logger.Info("Bot responder started", "name", r.name, "script", r.program.Name())
	return nil
}

// Stop cancels pending replies and waits for in-flight ones to finish.
func (r *Responder) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Responder) handle(life context.Context) pubsub.Handler {
	return func(_ context.Context, msg pubsub.Message) error {
		m, err := chat.DecodeEvent(msg.Payload)
		if err != nil {
			r.logger.Debug("Ignoring undecodable message event", "error", err)
			return nil
		}
		if m.IsBot || m.SenderID != r.self {
			return nil
		}

		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return nil
		}
		r.wg.Add(1)
		r.mu.Unlock()

		go r.reply(life, m.RoomID, m.SenderLabel, m.Body)
		return nil
	}
}

func (r *Responder) reply(ctx context.Context, room domain.RoomID, sender, body string) {
	defer r.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(r.delay):
	}

	res, err := r.program.Run(ctx, map[string]any{
		"message": body,
		"sender":  sender,
		"replies": lo.ToAnySlice(r.replies),
	})
	if err != nil {
		r.logger.Error("Reply script failed", "room", room, "error", err)
		return
	}
	text := strings.TrimSpace(res.String("reply"))
	if text == "" {
		return
	}

	rec := chat.Record{
		Sender:    r.name,
		Content:   text,
		Timestamp: r.now().UnixMilli(),
		IsBot:     true,
	}
	id, err := r.store.Append(ctx, room, rec)
	if err != nil {
		r.logger.Error("Failed to store bot reply", "room", room, "error", err)
		return
	}
	r.logger.Debug("Bot replied", "room", room, "id", id)
	r.announce(ctx, room, id, rec)
}

func (r *Responder) announce(ctx context.Context, room domain.RoomID, id string, rec chat.Record) {
	if r.transport == nil {
		return
	}
	msg, err := chat.DecodeRecord(room, id, rec)
	if err != nil {
		r.logger.Error("Bot reply does not decode", "room", room, "error", err)
		return
	}
	payload, err := chat.EncodeEvent(msg, id)
	if err != nil {
		r.logger.Error("Failed to encode bot reply", "room", room, "error", err)
		return
	}
	if err := r.transport.Emit(ctx, chat.EventMessage, payload); err != nil {
		r.logger.Warn("Live publish of bot reply failed, peers will see it from the store", "room", room, "error", err)
	}
}
