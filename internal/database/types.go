package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

// Conn is what the message store and live queries need from a managed
// SurrealDB connection.
type Conn interface {
	// WithConnection runs fn against the live connection, reconnecting and
	// retrying when fn fails because the connection dropped.
	WithConnection(ctx context.Context, fn func(*surrealdb.DB) error) error
	QueryTimeout() time.Duration
	AppendTimeout() time.Duration
}

var (
	// ErrNotConnected is returned when no connection is available.
	ErrNotConnected = errors.New("database not connected")
	// ErrInvalidInput is returned for arguments rejected before any query runs.
	ErrInvalidInput = errors.New("invalid input data")
	// ErrQueryFailed is returned when SurrealDB rejects a statement.
	ErrQueryFailed = errors.New("query execution failed")
)

// DBError describes a failed database operation.
type DBError struct {
	Op    string // what was being done, e.g. "append message"
	Query string // the statement, when one was sent
	Err   error
}

func (e *DBError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Query != "" {
		b.WriteString(" (query: ")
		b.WriteString(e.Query)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DBError) Unwrap() error {
	return e.Err
}

func opError(op, query string, err error) *DBError {
	return &DBError{Op: op, Query: query, Err: err}
}
