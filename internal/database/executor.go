package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Query runs a SurrealQL statement and decodes the rows of its first result.
//
//	q := "SELECT * FROM message WHERE room = $room ORDER BY timestamp"
//	rows, err := Query[messageRow](ctx, db, q, map[string]any{"room": "uk-general"})
func Query[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) ([]T, error) {
	res, err := surrealdb.Query[[]T](ctx, db, query, params)
	if err != nil {
		return nil, opError("query", query, fmt.Errorf("%w: %v", ErrQueryFailed, err))
	}
	if res == nil || len(*res) == 0 {
		return nil, nil
	}
	return (*res)[0].Result, nil
}

// QueryOne returns the first row, or nil when there is none. SELECTs
// without a LIMIT get "LIMIT 1" appended.
func QueryOne[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) (*T, error) {
	if isSelect(query) && !hasLimitClause(query) {
		query += " LIMIT 1"
	}
	rows, err := Query[T](ctx, db, query, params)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// Execute runs a statement and discards its result.
func Execute(ctx context.Context, db *surrealdb.DB, query string, params map[string]any) error {
	if _, err := surrealdb.Query[any](ctx, db, query, params); err != nil {
		return opError("execute", query, fmt.Errorf("%w: %v", ErrQueryFailed, err))
	}
	return nil
}

func isSelect(query string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT")
}

func hasLimitClause(query string) bool {
	return strings.Contains(" "+strings.ToUpper(query)+" ", " LIMIT ")
}
