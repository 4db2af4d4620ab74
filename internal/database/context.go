package database

import (
	"context"
	"time"
)

type timeoutKey string

const (
	queryTimeoutKey  timeoutKey = "db_query_timeout"
	appendTimeoutKey timeoutKey = "db_append_timeout"
)

// WithQueryTimeout overrides DB_QUERY_TIMEOUT for snapshot reads made with ctx.
func WithQueryTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, queryTimeoutKey, d)
}

// WithAppendTimeout overrides DB_EXECUTE_TIMEOUT for appends made with ctx.
func WithAppendTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, appendTimeoutKey, d)
}

// withTimeout bounds ctx by the override stored under key, or by def.
func withTimeout(ctx context.Context, key timeoutKey, def time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if v, ok := ctx.Value(key).(time.Duration); ok && v > 0 {
		def = v
	}
	return context.WithTimeout(ctx, def)
}
