package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestWithConnection_NotConnected(t *testing.T) {
	conn := NewConnection(&config.Config{DBUrl: "ws://localhost:1/rpc"})

	called := false
	err := conn.WithConnection(context.Background(), func(*surrealdb.DB) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, called)
	assert.False(t, conn.IsHealthy())

	var dbErr *DBError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, "use connection", dbErr.Op)
}

func TestClose_Idempotent(t *testing.T) {
	conn := NewConnection(&config.Config{})
	require.NoError(t, conn.Close(context.Background()))
	require.NoError(t, conn.Close(context.Background()))
	assert.ErrorIs(t, conn.Connect(context.Background()), ErrNotConnected)
}

func TestBackoffRetry(t *testing.T) {
	r := backoff{attempts: 3, base: time.Millisecond, max: 5 * time.Millisecond, factor: 2}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("succeeds after failures", func(t *testing.T) {
		attempts := 0
		err := r.Retry(context.Background(), log, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("boom")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up", func(t *testing.T) {
		boom := errors.New("boom")
		err := r.Retry(context.Background(), log, func() error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := r.Retry(ctx, log, func() error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestBackoffDelay(t *testing.T) {
	r := backoff{base: time.Second, max: 3 * time.Second, factor: 2}
	assert.Equal(t, time.Second, r.delay(0))
	assert.Equal(t, 2*time.Second, r.delay(1))
	assert.Equal(t, 3*time.Second, r.delay(5))

	r.jitter = 0.25
	for i := 0; i < 20; i++ {
		d := r.delay(0)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, isConnectionError(nil))
	assert.False(t, isConnectionError(errors.New("field 'room' is required")))
	assert.True(t, isConnectionError(context.DeadlineExceeded))
	assert.True(t, isConnectionError(errors.New("dial tcp: Connection refused")))
	assert.True(t, isConnectionError(errors.New("write: broken pipe")))
}

func TestRedactDBURL(t *testing.T) {
	assert.Equal(t, "ws://root:xxxxx@localhost:8000/rpc", redactDBURL("ws://root:secret@localhost:8000/rpc"))
	assert.Equal(t, "ws://localhost:8000/rpc", redactDBURL("ws://localhost:8000/rpc"))
	assert.Equal(t, "invalid-url", redactDBURL("://bad"))
}

func TestDBError(t *testing.T) {
	err := opError("create message", "CREATE message", ErrQueryFailed)
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.Equal(t, "create message (query: CREATE message): query execution failed", err.Error())
	assert.Equal(t, "connect: database not connected", opError("connect", "", ErrNotConnected).Error())
}

func TestHasLimitClause(t *testing.T) {
	assert.True(t, hasLimitClause("SELECT * FROM message limit 5"))
	assert.False(t, hasLimitClause("SELECT * FROM message WHERE content = 'unlimited'"))
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := withTimeout(context.Background(), queryTimeoutKey, time.Hour)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), deadline, time.Minute)

	override := WithQueryTimeout(context.Background(), time.Second)
	ctx2, cancel2 := withTimeout(override, queryTimeoutKey, time.Hour)
	defer cancel2()
	deadline, ok = ctx2.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)

	other := WithAppendTimeout(context.Background(), time.Second)
	ctx3, cancel3 := withTimeout(other, queryTimeoutKey, time.Hour)
	defer cancel3()
	deadline, _ = ctx3.Deadline()
	assert.WithinDuration(t, time.Now().Add(time.Hour), deadline, time.Minute, "append override does not affect reads")
}

func TestLiveQueryID(t *testing.T) {
	got, err := liveQueryID("0189d6e3-8eac-703a-9a48-d9faa78b44b9")
	require.NoError(t, err)
	assert.Equal(t, "0189d6e3-8eac-703a-9a48-d9faa78b44b9", got)

	got, err = liveQueryID(map[string]any{"id": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	_, err = liveQueryID(nil)
	assert.Error(t, err)
	_, err = liveQueryID("")
	assert.Error(t, err)
	_, err = liveQueryID(42)
	assert.Error(t, err)
}

func TestMessageRowEntry(t *testing.T) {
	row := messageRow{
		ID:        &models.RecordID{Table: messageTable, ID: "01J9ZC"},
		Room:      "uk-general",
		Sender:    "alice",
		Content:   "hi",
		Timestamp: 1700000000000,
		UserID:    "u1",
	}
	e := row.entry()
	assert.Equal(t, "01J9ZC", e.ID)
	assert.Equal(t, "alice", e.Record.Sender)
	assert.Equal(t, int64(1700000000000), e.Record.Timestamp)
	assert.Equal(t, "u1", e.Record.UserID)
}
