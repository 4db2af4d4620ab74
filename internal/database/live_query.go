package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// LiveQueryAction represents the type of change in a live query update
type LiveQueryAction string

const (
	ActionCreate LiveQueryAction = "CREATE"
	ActionUpdate LiveQueryAction = "UPDATE"
	ActionDelete LiveQueryAction = "DELETE"
)

// LiveQueryHandler is called when live query data changes. Calls for one
// subscription are made sequentially from a single goroutine.
type LiveQueryHandler func(ctx context.Context, action LiveQueryAction, data any)

// LiveQueryFilter narrows a live query on a table.
type LiveQueryFilter struct {
	Where  string         // SurrealQL WHERE clause
	Params map[string]any // Query parameters
}

// Subscription represents an active live query subscription
type Subscription struct {
	ID    string
	Table string
}

// LiveQueryService provides real-time data subscriptions via SurrealDB Live Queries
type LiveQueryService interface {
	Subscribe(ctx context.Context, table string, filter *LiveQueryFilter, handler LiveQueryHandler) (*Subscription, error)
	Unsubscribe(subID string) error
}

// SurrealLiveQueryService implements LiveQueryService using SurrealDB
type SurrealLiveQueryService struct {
	db     Conn
	logger *slog.Logger

	subscriptions sync.Map // map[string]*subscriptionState
}

type subscriptionState struct {
	id          string
	table       string
	handler     LiveQueryHandler
	cancel      context.CancelFunc
	done        chan struct{}
	liveQueryID string
}

// NewSurrealLiveQueryService creates a new live query service
func NewSurrealLiveQueryService(db Conn, logger *slog.Logger) *SurrealLiveQueryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SurrealLiveQueryService{db: db, logger: logger.With("component", "live_query")}
}

// Subscribe creates a live query subscription for a table.
func (s *SurrealLiveQueryService) Subscribe(ctx context.Context, table string, filter *LiveQueryFilter, handler LiveQueryHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrInvalidInput)
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("%w: table cannot be empty", ErrInvalidInput)
	}

	query := fmt.Sprintf("LIVE SELECT * FROM %s", table)
	params := map[string]any{}
	if filter != nil {
		if filter.Where != "" {
			query = fmt.Sprintf("%s WHERE %s", query, filter.Where)
		}
		for k, v := range filter.Params {
			params[k] = v
		}
	}

	subID := uuid.New().String()
	subCtx, cancel := context.WithCancel(context.Background())
	state := &subscriptionState{
		id:      subID,
		table:   table,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	err := s.db.WithConnection(ctx, func(dbConn *surrealdb.DB) error {
		results, err := surrealdb.Query[any](ctx, dbConn, query, params)
		if err != nil {
			return fmt.Errorf("failed to execute live query: %w", err)
		}
		if results == nil || len(*results) == 0 {
			return fmt.Errorf("live query returned no results")
		}

		result := (*results)[0]
		if result.Status != "OK" {
			return fmt.Errorf("live query failed with status: %s", result.Status)
		}

		liveID, err := liveQueryID(result.Result)
		if err != nil {
			return err
		}
		state.liveQueryID = liveID

		notifications, err := dbConn.LiveNotifications(liveID)
		if err != nil {
			return fmt.Errorf("failed to get notification channel: %w", err)
		}

		go s.listenForNotifications(subCtx, state, notifications)
		go s.killOnCancel(subCtx, state, dbConn)
		return nil
	})
	if err != nil {
		cancel()
		return nil, opError("start live query", query, err)
	}

	s.subscriptions.Store(subID, state)
	s.logger.Debug("Live query established", "subID", subID, "table", table, "liveQueryID", state.liveQueryID)

	return &Subscription{ID: subID, Table: table}, nil
}

// Unsubscribe removes a live query subscription and waits for its
// listener to exit. Unknown ids are ignored.
func (s *SurrealLiveQueryService) Unsubscribe(subID string) error {
	v, ok := s.subscriptions.LoadAndDelete(subID)
	if !ok {
		return nil
	}
	state := v.(*subscriptionState)
	state.cancel()
	<-state.done
	s.logger.Debug("Live query subscription removed", "subID", subID)
	return nil
}

// Close removes every subscription.
func (s *SurrealLiveQueryService) Close() {
	s.subscriptions.Range(func(key, _ any) bool {
		_ = s.Unsubscribe(key.(string))
		return true
	})
}

func (s *SurrealLiveQueryService) killOnCancel(ctx context.Context, state *subscriptionState, dbConn *surrealdb.DB) {
	<-ctx.Done()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := dbConn.CloseLiveNotifications(state.liveQueryID); err != nil {
		s.logger.Warn("Failed to close live notifications", "error", err, "liveQueryID", state.liveQueryID)
	}
	params := map[string]any{"liveQueryID": state.liveQueryID}
	if _, err := surrealdb.Query[any](cleanupCtx, dbConn, "KILL $liveQueryID", params); err != nil {
		s.logger.Warn("Failed to kill live query", "error", err, "liveQueryID", state.liveQueryID)
	}
}

func (s *SurrealLiveQueryService) listenForNotifications(ctx context.Context, state *subscriptionState, notifications <-chan connection.Notification) {
	defer close(state.done)

	for {
		select {
		case <-ctx.Done():
			return

		case notification, ok := <-notifications:
			if !ok {
				s.logger.Debug("Live query notification channel closed", "subID", state.id)
				return
			}

			var action LiveQueryAction
			switch notification.Action {
			case connection.CreateAction:
				action = ActionCreate
			case connection.UpdateAction:
				action = ActionUpdate
			case connection.DeleteAction:
				action = ActionDelete
			default:
				s.logger.Warn("Unknown notification action", "subID", state.id, "action", notification.Action)
				continue
			}
			s.dispatch(ctx, state, action, notification.Result)
		}
	}
}

func (s *SurrealLiveQueryService) dispatch(ctx context.Context, state *subscriptionState, action LiveQueryAction, data any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in live query handler", "subID", state.id, "panic", r)
		}
	}()
	state.handler(ctx, action, data)
}

// liveQueryID extracts the live query UUID from a LIVE SELECT result.
func liveQueryID(result any) (string, error) {
	var id string
	switch v := result.(type) {
	case string:
		id = v
	case models.UUID:
		id = v.String()
	case map[string]any:
		switch inner := v["id"].(type) {
		case string:
			id = inner
		case models.UUID:
			id = inner.String()
		default:
			return "", fmt.Errorf("live query result map does not contain 'id' field: %+v", v)
		}
	case nil:
		return "", fmt.Errorf("live query returned nil result")
	default:
		return "", fmt.Errorf("unexpected live query result type: %T", result)
	}
	if id == "" {
		return "", fmt.Errorf("live query returned empty UUID")
	}
	return id, nil
}
