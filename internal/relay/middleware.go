package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

type contextKey string

const loggerKey = contextKey("logger")

// requestLogger injects a request-scoped logger into the context, tagged
// with the request id and the relay user. It must run after
// middleware.RequestID.
func requestLogger(base *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			l := base.With("request_id", reqID)
			if userID := c.QueryParam("userId"); userID != "" {
				l = l.With("user_id", userID)
			}
			ctx := context.WithValue(c.Request().Context(), loggerKey, l)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// loggerFrom returns the request logger stored in ctx, or fallback.
func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return fallback
}

// handshakeLimiter caps websocket handshakes per client address. Frames on
// an open connection are not limited.
func handshakeLimiter(limit rate.Limit) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStore(limit),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			loggerFrom(c.Request().Context(), slog.Default()).Warn("Rejecting relay handshake", "client", identifier)
			return c.String(http.StatusTooManyRequests, "Too many connection attempts. Please try again later.")
		},
	})
}
