package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_DeliversInitialThenReloads(t *testing.T) {
	var loads atomic.Int32
	got := make(chan Snapshot, 4)
	f := NewFeed(room, func(context.Context) (Snapshot, error) {
		n := loads.Add(1)
		return Snapshot{Room: room, Entries: make([]Entry, n)}, nil
	}, func(s Snapshot) { got <- s }, nil)

	require.NoError(t, f.Start(context.Background()))
	assert.Len(t, (<-got).Entries, 1)

	f.Signal()
	select {
	case s := <-got:
		assert.Len(t, s.Entries, 2)
	case <-time.After(time.Second):
		t.Fatal("no reload")
	}
	require.NoError(t, f.Unsubscribe())
	require.NoError(t, f.Unsubscribe())
}

func TestFeed_CoalescesSignals(t *testing.T) {
	release := make(chan struct{})
	var loads atomic.Int32
	f := NewFeed(room, func(context.Context) (Snapshot, error) {
		if loads.Add(1) == 2 {
			<-release
		}
		return Snapshot{Room: room}, nil
	}, func(Snapshot) {}, nil)
	require.NoError(t, f.Start(context.Background()))

	f.Signal()
	require.Eventually(t, func() bool { return loads.Load() == 2 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		f.Signal()
	}
	close(release)

	require.Eventually(t, func() bool { return loads.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 3, loads.Load())
	require.NoError(t, f.Unsubscribe())
}

func TestFeed_StartErrorRunsStopHooks(t *testing.T) {
	boom := errors.New("boom")
	f := NewFeed(room, func(context.Context) (Snapshot, error) {
		return Snapshot{}, boom
	}, func(Snapshot) { t.Fatal("handler called") }, nil)

	stopped := false
	f.OnStop(func() { stopped = true })

	assert.ErrorIs(t, f.Start(context.Background()), boom)
	assert.True(t, stopped)
	<-f.Done()
}

func TestFeed_NoDeliveryAfterUnsubscribe(t *testing.T) {
	var delivered atomic.Int32
	f := NewFeed(room, func(context.Context) (Snapshot, error) {
		return Snapshot{Room: room}, nil
	}, func(Snapshot) { delivered.Add(1) }, nil)
	require.NoError(t, f.Start(context.Background()))
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.Unsubscribe())
	f.Signal()
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, delivered.Load())

	late := false
	f.OnStop(func() { late = true })
	assert.True(t, late, "hooks added after stop run immediately")
}
