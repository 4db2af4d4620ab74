package storage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ukGeneral = domain.RoomID("uk-general")

func newStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := Open("", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rec(content string, ts int64) chat.Record {
	return chat.Record{Sender: "alice", Content: content, Timestamp: ts, UserID: "u-alice"}
}

func next(t *testing.T, ch <-chan chat.Snapshot) chat.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for snapshot")
		return chat.Snapshot{}
	}
}

func Test_Append_And_Snapshot_In_Insertion_Order(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	clock := time.Unix(1700000000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}

	first, err := s.Append(ctx, ukGeneral, rec("one", 3))
	require.NoError(t, err)
	second, err := s.Append(ctx, ukGeneral, rec("two", 1))
	require.NoError(t, err)
	_, err = s.Append(ctx, "uk-jobs", rec("elsewhere", 2))
	require.NoError(t, err)

	snap, err := s.Snapshot(ukGeneral)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, first, snap.Entries[0].ID)
	assert.Equal(t, second, snap.Entries[1].ID)
	assert.Equal(t, "two", snap.Entries[1].Record.Content)
	assert.Equal(t, ukGeneral, snap.Room)
}

func Test_Subscribe_Delivers_Current_Value_Then_Changes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, ukGeneral, rec("before", 1))
	require.NoError(t, err)

	snaps := make(chan chat.Snapshot, 8)
	sub, err := s.Subscribe(ctx, ukGeneral, func(snap chat.Snapshot) { snaps <- snap })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	initial := next(t, snaps)
	require.Len(t, initial.Entries, 1)
	assert.Equal(t, "before", initial.Entries[0].Record.Content)

	_, err = s.Append(ctx, ukGeneral, rec("after", 2))
	require.NoError(t, err)

	updated := next(t, snaps)
	assert.Len(t, updated.Entries, 2)
}

func Test_Subscribe_Ignores_Other_Rooms(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	snaps := make(chan chat.Snapshot, 8)
	sub, err := s.Subscribe(ctx, ukGeneral, func(snap chat.Snapshot) { snaps <- snap })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	assert.Empty(t, next(t, snaps).Entries)

	_, err = s.Append(ctx, "us-general", rec("hello", 1))
	require.NoError(t, err)

	select {
	case snap := <-snaps:
		t.Fatalf("unexpected snapshot %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func Test_Unsubscribe_Releases_And_Stops_Delivery(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	snaps := make(chan chat.Snapshot, 8)
	sub, err := s.Subscribe(ctx, ukGeneral, func(snap chat.Snapshot) { snaps <- snap })
	require.NoError(t, err)
	next(t, snaps)
	assert.Equal(t, 1, s.Subscribers(ukGeneral))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Zero(t, s.Subscribers(ukGeneral))

	_, err = s.Append(ctx, ukGeneral, rec("late", 1))
	require.NoError(t, err)
	select {
	case <-snaps:
		t.Fatal("snapshot delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func Test_Snapshot_Skips_Undecodable_Values(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(ukGeneral, "0000000000000000001-bad"), []byte("{not json"))
	}))
	_, err := s.Append(context.Background(), ukGeneral, rec("ok", 1))
	require.NoError(t, err)

	snap, err := s.Snapshot(ukGeneral)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "ok", snap.Entries[0].Record.Content)
}

func Test_Append_Honours_Cancelled_Context(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Append(ctx, ukGeneral, rec("never", 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func Test_Open_On_Disk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	_, err = s.Append(context.Background(), ukGeneral, rec("persisted", 1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()
	snap, err := reopened.Snapshot(ukGeneral)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)
}
