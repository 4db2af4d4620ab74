package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nfrund/chatsync/internal/transport"
	"golang.org/x/time/rate"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	maxFrameSize = 64 << 10

	// defaultHandshakeRate is the number of websocket handshakes allowed
	// per second from one address.
	defaultHandshakeRate = 10
)

// Server exposes the hub over websockets.
type Server struct {
	hub           *Hub
	echo          *echo.Echo
	logger        *slog.Logger
	handshakeRate rate.Limit
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHandshakeRate sets how many websocket handshakes per second one
// client address may make.
func WithHandshakeRate(perSecond float64) ServerOption {
	return func(s *Server) {
		s.handshakeRate = rate.Limit(perSecond)
	}
}

// NewServer builds the relay's HTTP routes around hub.
func NewServer(hub *Hub, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		hub:           hub,
		echo:          e,
		logger:        logger.With("component", "relay_server"),
		handshakeRate: defaultHandshakeRate,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(requestLogger(s.logger))

	e.GET("/socket", s.handleSocket, handshakeLimiter(s.handshakeRate))
	e.GET("/healthz", s.handleHealth)
	return s
}

// Handler returns the HTTP handler serving the relay routes.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Relay listening", "addr", addr)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.hub.Subscribers(),
	})
}

func (s *Server) handleSocket(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true, // In production, check origin.
	})
	log := loggerFrom(c.Request().Context(), s.logger)
	if err != nil {
		log.Error("Failed to upgrade connection to WebSocket", "error", err)
		return err
	}
	conn.SetReadLimit(maxFrameSize)

	sub := &Subscriber{
		ID:   c.QueryParam("userId"),
		Send: make(chan []byte, sendBuffer),
	}
	if !s.hub.Join(sub) {
		conn.Close(websocket.StatusGoingAway, "relay shutting down")
		return nil
	}

	log.Info("Relay client connected", "subscribers", s.hub.Subscribers())
	go s.writePump(conn, sub, log)
	s.readPump(c.Request().Context(), conn, sub, log)
	return nil
}

// readPump forwards well-formed frames from the connection to the hub.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sub *Subscriber, log *slog.Logger) {
	defer func() {
		s.hub.Leave(sub)
		conn.Close(websocket.StatusNormalClosure, "client disconnected")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				log.Info("WebSocket closed normally by client")
			} else if ctx.Err() == nil {
				log.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var frame transport.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			log.Warn("Dropping malformed frame", "bytes", len(data))
			continue
		}
		if !s.hub.Publish(data) {
			return
		}
	}
}

// writePump sends hub frames to the connection until the hub closes Send.
func (s *Server) writePump(conn *websocket.Conn, sub *Subscriber, log *slog.Logger) {
	defer conn.Close(websocket.StatusNormalClosure, "server-side cleanup")

	for frame := range sub.Send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			log.Warn("WebSocket write error", "error", err)
			return
		}
	}
}
