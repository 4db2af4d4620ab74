// Package transport is the process-wide connection to the live relay. One
// Client is shared by every room session; each session registers its own
// listener and releases only that listener.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
)

const topicPrefix = "transport."

// Topic returns the bus topic inbound frames for event are published on.
func Topic(event string) string {
	return topicPrefix + event
}

// maxFrameSize bounds a single relay frame.
const maxFrameSize = 64 << 10

// Frame is the envelope exchanged with the relay.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client implements chat.Transport over a websocket to the relay. Inbound
// frames fan out to listeners through the in-process bus. With no relay
// URL the client runs in loopback mode and emits straight onto the bus.
//
// When the relay drops the connection the client redials with exponential
// backoff until Disconnect. Listeners live on the bus, so they keep
// receiving once the link is back.
type Client struct {
	url         string
	userID      string
	bus         pubsub.Bus
	logger      *slog.Logger
	dialTimeout time.Duration
	retryMin    time.Duration
	retryMax    time.Duration
	onLink      func(up bool)

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	loopback     bool
	reconnecting bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

var (
	_ chat.Transport  = (*Client)(nil)
	_ chat.LinkStatus = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithUserID identifies this process to the relay.
func WithUserID(id string) Option {
	return func(c *Client) {
		c.userID = id
	}
}

// WithDialTimeout bounds the relay handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// WithReconnect sets the first and the longest wait between redial
// attempts. Non-positive or inverted bounds keep the defaults.
func WithReconnect(initial, ceiling time.Duration) Option {
	return func(c *Client) {
		if initial <= 0 || ceiling < initial {
			return
		}
		c.retryMin = initial
		c.retryMax = ceiling
	}
}

// OnLinkChange registers fn to be told when an established relay link is
// lost (false) and when it is restored (true). fn must not block.
func OnLinkChange(fn func(up bool)) Option {
	return func(c *Client) {
		c.onLink = fn
	}
}

// NewClient creates a disconnected client. relayURL may be empty.
func NewClient(relayURL string, bus pubsub.Bus, opts ...Option) *Client {
	c := &Client{
		url:         relayURL,
		bus:         bus,
		logger:      slog.Default(),
		dialTimeout: 10 * time.Second,
		retryMin:    500 * time.Millisecond,
		retryMax:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "transport")
	return c
}

// Connect opens the relay connection. Calling it while connected is a no-op.
// While a lost link is being redialled it fails with
// domain.ErrTransportUnavailable.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.reconnecting {
		return fmt.Errorf("%w: reconnecting to relay", domain.ErrTransportUnavailable)
	}
	if c.url == "" {
		c.loopback = true
		c.connected = true
		c.logger.Info("No relay configured, running transport in loopback mode")
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	life, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.installLocked(life, conn)

	c.logger.Info("Connected to relay", "url", c.url)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.dialURL()
	if err != nil {
		return nil, err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, c.dialTimeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial relay: %v", domain.ErrTransportUnavailable, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// installLocked makes conn the current connection and starts reading it.
func (c *Client) installLocked(ctx context.Context, conn *websocket.Conn) {
	c.conn = conn
	c.connected = true
	c.reconnecting = false
	c.wg.Add(1)
	go c.readLoop(ctx, conn)
}

// Connected reports whether the client can currently emit and listen.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Listen registers a private listener for event. The returned subscription
// releases only this listener.
func (c *Client) Listen(ctx context.Context, event string, handler chat.EventHandler) (chat.Subscription, error) {
	if !c.Connected() {
		return nil, domain.ErrTransportUnavailable
	}

	subCtx, cancel := context.WithCancel(ctx)
	var active atomic.Bool
	active.Store(true)

	err := c.bus.Subscribe(subCtx, Topic(event), func(ctx context.Context, msg pubsub.Message) error {
		if active.Load() {
			handler(ctx, msg.Payload)
		}
		return nil
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: listen %s: %v", domain.ErrTransportUnavailable, event, err)
	}

	return chat.SubscriptionFunc(func() error {
		active.Store(false)
		cancel()
		return nil
	}), nil
}

// Emit sends payload under event to every connected peer, this process
// included.
func (c *Client) Emit(ctx context.Context, event string, payload []byte) error {
	c.mu.Lock()
	conn, connected, loopback := c.conn, c.connected, c.loopback
	c.mu.Unlock()

	if !connected {
		return domain.ErrTransportUnavailable
	}
	if loopback {
		return c.bus.Publish(ctx, pubsub.Message{
			Topic:   Topic(event),
			UserID:  c.userID,
			Payload: payload,
		})
	}

	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: write frame: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

// Disconnect closes the relay connection and stops any redial in progress.
// It is safe to call any number of times.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	if cancel != nil {
		cancel()
	}
	c.conn = nil
	c.cancel = nil
	c.connected = false
	c.loopback = false
	c.reconnecting = false
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.wg.Wait()
	if err != nil && !isClosed(err) {
		return err
	}
	c.logger.Info("Disconnected from relay")
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.markLost(ctx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !isClosed(err) {
				c.logger.Warn("Relay connection lost", "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.logger.Warn("Dropping malformed relay frame", "bytes", len(data))
			continue
		}
		msg := pubsub.Message{
			Topic:    Topic(frame.Event),
			UserID:   c.userID,
			Payload:  frame.Data,
			Metadata: map[string]string{"received_at": time.Now().UTC().Format(time.RFC3339Nano)},
		}
		if err := c.bus.Publish(ctx, msg); err != nil {
			c.logger.Error("Failed to publish relay frame", "event", frame.Event, "error", err)
		}
	}
}

// markLost clears the connection if conn is still the current one and
// starts redialling unless the client is shutting down.
func (c *Client) markLost(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.reconnecting = true
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Warn("Relay link down, redialling", "url", c.url)
	c.notify(false)
	go c.reconnect(ctx)
}

func (c *Client) reconnect(ctx context.Context) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryMin
	b.MaxInterval = c.retryMax
	b.Reset()

	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = c.retryMax
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Debug("Relay redial failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}
		c.installLocked(ctx, conn)
		c.mu.Unlock()

		c.logger.Info("Reconnected to relay", "url", c.url, "attempts", attempt)
		c.notify(true)
		return
	}
}

func (c *Client) notify(up bool) {
	if c.onLink != nil {
		c.onLink(up)
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", c.url, err)
	}
	if c.userID != "" {
		q := u.Query()
		q.Set("userId", c.userID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func isClosed(err error) bool {
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure ||
		status == websocket.StatusGoingAway ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
