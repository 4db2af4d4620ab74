// Package database is the SurrealDB-backed durable message store.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/config"
	"github.com/surrealdb/surrealdb.go"
)

const healthCheckInterval = 30 * time.Second

// backoff retries an operation with exponentially growing, jittered delays.
type backoff struct {
	attempts int
	base     time.Duration
	max      time.Duration
	factor   float64
	jitter   float64 // fraction of the delay added at random
}

func defaultBackoff() backoff {
	return backoff{attempts: 6, base: 100 * time.Millisecond, max: 30 * time.Second, factor: 2, jitter: 0.25}
}

// Retry calls fn until it succeeds, the attempts run out or ctx is done.
func (b backoff) Retry(ctx context.Context, log *slog.Logger, fn func() error) error {
	var err error
	for attempt := 0; attempt < b.attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == b.attempts-1 {
			break
		}

		delay := b.delay(attempt)
		log.DebugContext(ctx, "Attempt failed, backing off",
			"attempt", attempt+1, "max_attempts", b.attempts, "delay_ms", delay.Milliseconds(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", b.attempts, err)
}

func (b backoff) delay(attempt int) time.Duration {
	d := math.Min(float64(b.base)*math.Pow(b.factor, float64(attempt)), float64(b.max))
	if b.jitter > 0 {
		d += rand.Float64() * d * b.jitter
	}
	return time.Duration(d)
}

// Connection owns one SurrealDB connection. It signs in, selects the
// namespace and database, checks health in the background and reconnects
// when an operation fails on a dropped connection.
type Connection struct {
	cfg    config.Provider
	retry  backoff
	logger *slog.Logger

	mu      sync.RWMutex
	db      *surrealdb.DB
	healthy bool
	closed  bool
	done    chan struct{}
}

var _ Conn = (*Connection)(nil)

// NewConnection creates an unconnected Connection.
func NewConnection(cfg config.Provider) *Connection {
	return &Connection{
		cfg:    cfg,
		retry:  defaultBackoff(),
		logger: slog.Default().With("component", "surreal_connection", "db_url", redactDBURL(cfg.GetDBURL())),
		done:   make(chan struct{}),
	}
}

// Connect dials SurrealDB. It is a no-op when already connected.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return nil
	}
	return c.redialLocked(ctx)
}

// WithConnection implements Conn.
func (c *Connection) WithConnection(ctx context.Context, fn func(*surrealdb.DB) error) error {
	db := c.current()
	if db == nil {
		return opError("use connection", "", ErrNotConnected)
	}

	err := fn(db)
	if err == nil || !isConnectionError(err) || ctx.Err() != nil {
		return err
	}

	c.logger.WarnContext(ctx, "Database operation failed on a dropped connection, reconnecting", "error", err)
	return c.retry.Retry(ctx, c.logger, func() error {
		if rerr := c.redial(ctx); rerr != nil {
			return fmt.Errorf("reconnect: %w (after: %v)", rerr, err)
		}
		return fn(c.current())
	})
}

// StartMonitoring checks the connection every healthCheckInterval and
// redials when the check fails, until Close.
func (c *Connection) StartMonitoring() {
	go func() {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.monitorOnce()
			}
		}
	}()
}

func (c *Connection) monitorOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.ping(ctx); err == nil {
		return
	} else {
		c.logger.WarnContext(ctx, "Database health check failed, reconnecting", "error", err)
	}
	if err := c.retry.Retry(ctx, c.logger, func() error { return c.redial(ctx) }); err != nil {
		c.logger.ErrorContext(ctx, "Database still unreachable after health check", "error", err)
	}
}

// Close stops monitoring and closes the connection. It is safe to call
// more than once.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.healthy = false
	close(c.done)

	if c.db == nil {
		return nil
	}
	err := c.db.Close(ctx)
	c.db = nil
	return err
}

// IsHealthy reports whether the last connect or health check succeeded.
func (c *Connection) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// QueryTimeout implements Conn.
func (c *Connection) QueryTimeout() time.Duration { return c.cfg.GetDBQueryTimeout() }

// AppendTimeout implements Conn.
func (c *Connection) AppendTimeout() time.Duration { return c.cfg.GetDBExecuteTimeout() }

func (c *Connection) current() *surrealdb.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

func (c *Connection) redial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redialLocked(ctx)
}

func (c *Connection) redialLocked(ctx context.Context) error {
	if c.closed {
		return opError("connect", "", ErrNotConnected)
	}
	if c.db != nil {
		_ = c.db.Close(ctx)
		c.db = nil
	}
	c.healthy = false

	db, err := c.dial(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to connect to database", "error", err)
		return err
	}
	c.db = db
	c.healthy = true
	c.logger.DebugContext(ctx, "Database connection established", "namespace", c.cfg.GetDBNs(), "database", c.cfg.GetDBDb())
	return nil
}

func (c *Connection) dial(ctx context.Context) (*surrealdb.DB, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, c.cfg.GetDBURL())
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", redactDBURL(c.cfg.GetDBURL()), err)
	}
	if user := c.cfg.GetDBUser(); user != "" {
		if _, err := db.SignIn(ctx, &surrealdb.Auth{Username: user, Password: c.cfg.GetDBPass()}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("sign in as %s: %w", user, err)
		}
	}
	if err := db.Use(ctx, c.cfg.GetDBNs(), c.cfg.GetDBDb()); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("use %s/%s: %w", c.cfg.GetDBNs(), c.cfg.GetDBDb(), err)
	}
	return db, nil
}

func (c *Connection) ping(ctx context.Context) error {
	db := c.current()
	if db == nil {
		return ErrNotConnected
	}
	_, err := db.Version(ctx)

	c.mu.Lock()
	c.healthy = err == nil
	c.mu.Unlock()
	return err
}

// isConnectionError reports whether err looks like a dropped connection
// rather than a rejected statement.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "broken pipe", "unexpected eof", "use of closed network connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func redactDBURL(dbURL string) string {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
