package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/database"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/storage"
)

// openStore builds the durable store: SurrealDB when SURREAL_URL is set,
// otherwise Badger. The returned func releases it.
func openStore(ctx context.Context, c *config.Config, log *slog.Logger) (chat.DurableStore, func(), error) {
	if !c.UsesSurreal() {
		store, err := storage.Open(c.GetBadgerPath(), log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Using Badger message store", "path", c.GetBadgerPath(), "inMemory", c.GetBadgerPath() == "")
		return store, func() {
			if err := store.Close(); err != nil {
				log.Error("Failed to close Badger store", "error", err)
			}
		}, nil
	}

	conn := database.NewConnection(c)
	if err := conn.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect to surrealdb: %w", err)
	}
	conn.StartMonitoring()

	live := database.NewSurrealLiveQueryService(conn, log)
	store := database.NewMessageStore(conn, live, log)
	log.Info("Using SurrealDB message store", "ns", c.GetDBNs(), "db", c.GetDBDb())

	return store, func() {
		live.Close()
		if err := conn.Close(context.Background()); err != nil {
			log.Error("Failed to close database connection", "error", err)
		}
	}, nil
}

// principalFromConfig builds the local identity from CHAT_USER_*. Without
// a user id the principal is unauthenticated and can only read.
func principalFromConfig(c *config.Config) (domain.Principal, error) {
	plan, err := domain.ParsePlan(c.UserPlan)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("CHAT_USER_PLAN: %w", err)
	}
	p := domain.Principal{
		ID:          strings.TrimSpace(c.UserID),
		Email:       c.UserEmail,
		DisplayName: c.UserName,
		Auth:        domain.AuthNone,
		Plan:        plan,
	}
	if p.ID != "" {
		p.Auth = domain.AuthAuthenticated
	}
	return p, nil
}
