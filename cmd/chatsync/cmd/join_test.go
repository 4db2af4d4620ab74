package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/catalog"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTestConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prevCfg, prevLogger := cfg, logger
	cfg = c
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	t.Cleanup(func() { cfg, logger = prevCfg, prevLogger })
}

func TestRunJoin_UnknownRoomFails(t *testing.T) {
	useTestConfig(t, &config.Config{OpenTimeout: time.Second})

	err := runJoin(context.Background(), "atlantis", "general", strings.NewReader(""), io.Discard, io.Discard)

	assert.ErrorIs(t, err, catalog.ErrUnknownRoom)
}

func TestRunJoin_ReadOnlyWithoutIdentity(t *testing.T) {
	useTestConfig(t, &config.Config{OpenTimeout: time.Second, MergeSkew: 2 * time.Second})
	var errOut bytes.Buffer

	err := runJoin(context.Background(), "uk", "general", strings.NewReader("hello\n/switch zz nowhere\n"), io.Discard, &errOut)

	require.NoError(t, err)
	assert.Contains(t, errOut.String(), "read-only")
	assert.Contains(t, errOut.String(), "sign in to send messages")
	assert.Contains(t, errOut.String(), "unknown room")
}

func TestRunJoin_RefusesSendWhileOutOfRoom(t *testing.T) {
	useTestConfig(t, &config.Config{OpenTimeout: time.Second, MergeSkew: 2 * time.Second, UserID: "u1", UserName: "pat", UserPlan: "premium"})
	var out, errOut bytes.Buffer

	err := runJoin(context.Background(), "uk", "general", strings.NewReader("/switch zz nowhere\nhello\n"), &out, &errOut)

	require.NoError(t, err)
	assert.Contains(t, errOut.String(), "unknown room")
	assert.Contains(t, errOut.String(), "not in a room")
	assert.NotContains(t, errOut.String(), domain.ErrInvalidRoom.Error())
	assert.NotContains(t, out.String(), "pat: hello")
}

func TestRunJoin_ShowsBanner(t *testing.T) {
	useTestConfig(t, &config.Config{OpenTimeout: time.Second, MergeSkew: 2 * time.Second})
	var errOut bytes.Buffer

	err := runJoin(context.Background(), "uk", "general", strings.NewReader(""), io.Discard, &errOut)

	require.NoError(t, err)
	assert.Contains(t, errOut.String(), "Personal Assist Team | General Discussion Room | Part time Jobs Assistance")
}

func TestSeedIfEmpty(t *testing.T) {
	useTestConfig(t, &config.Config{})
	cat, err := catalog.Default()
	require.NoError(t, err)
	room, err := cat.Resolve("uk", "general")
	require.NoError(t, err)

	store := testutils.NewFakeStore()
	session := chat.NewSession(store, nil, domain.StaticIdentity(domain.Principal{}))
	defer session.Close()
	require.ErrorIs(t, session.Open(context.Background(), room.ID), domain.ErrTransportUnavailable)

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	n, err := seedIfEmpty(context.Background(), store, session, room, day)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	timeline := session.Timeline()
	require.Len(t, timeline, 5)
	assert.Equal(t, "Emma Watson", timeline[0].SenderLabel)
	assert.True(t, timeline[1].IsBot)

	n, err = seedIfEmpty(context.Background(), store, session, room, day)
	require.NoError(t, err)
	assert.Zero(t, n, "a room with history is left alone")
	assert.Len(t, store.Entries(room.ID), 5)
}

func TestSeedIfEmpty_RoomWithoutSeed(t *testing.T) {
	useTestConfig(t, &config.Config{})
	cat, err := catalog.Default()
	require.NoError(t, err)
	room, err := cat.Resolve("uk", "jobs")
	require.NoError(t, err)

	store := testutils.NewFakeStore()
	session := chat.NewSession(store, nil, domain.StaticIdentity(domain.Principal{}))
	defer session.Close()
	_ = session.Open(context.Background(), room.ID)

	n, err := seedIfEmpty(context.Background(), store, session, room, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.Entries(room.ID))
}
