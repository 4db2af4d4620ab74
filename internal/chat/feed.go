package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nfrund/chatsync/internal/domain"
)

// Loader reads the full current value of a room.
type Loader func(ctx context.Context) (Snapshot, error)

// Feed turns change signals from a store into full snapshots for one
// subscriber. Signals raised while a load is running coalesce into one
// reload, and snapshots are delivered one at a time in load order.
type Feed struct {
	room    domain.RoomID
	load    Loader
	handler SnapshotHandler
	logger  *slog.Logger

	dirty  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	onStop  []func()
}

// NewFeed creates a feed that is not yet delivering.
func NewFeed(room domain.RoomID, load Loader, handler SnapshotHandler, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		room:    room,
		load:    load,
		handler: handler,
		logger:  logger.With("room", room),
		dirty:   make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start loads the current value and begins delivery. The initial snapshot
// is delivered from the feed goroutine; an error from the initial load
// stops the feed and is returned.
func (f *Feed) Start(ctx context.Context) error {
	snap, err := f.load(ctx)
	if err != nil {
		f.stop()
		close(f.done)
		return err
	}
	go f.run(snap)
	return nil
}

// Signal marks the room as changed.
func (f *Feed) Signal() {
	select {
	case f.dirty <- struct{}{}:
	default:
	}
}

// OnStop registers a release function run once when the feed stops.
func (f *Feed) OnStop(fn func()) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		fn()
		return
	}
	f.onStop = append(f.onStop, fn)
	f.mu.Unlock()
}

// Done is closed once the feed goroutine has exited.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Unsubscribe stops delivery and waits for an in-flight handler to return.
// It must not be called from inside the handler.
func (f *Feed) Unsubscribe() error {
	f.stop()
	<-f.done
	return nil
}

func (f *Feed) stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	fns := f.onStop
	f.onStop = nil
	f.mu.Unlock()

	f.cancel()
	for _, fn := range fns {
		fn()
	}
}

func (f *Feed) run(initial Snapshot) {
	defer close(f.done)

	if !f.deliver(initial) {
		return
	}
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.dirty:
			snap, err := f.load(f.ctx)
			if err != nil {
				if f.ctx.Err() != nil {
					return
				}
				f.logger.Warn("Failed to reload room snapshot", "error", err)
				continue
			}
			if !f.deliver(snap) {
				return
			}
		}
	}
}

func (f *Feed) deliver(snap Snapshot) bool {
	if f.ctx.Err() != nil {
		return false
	}
	f.handler(snap)
	return true
}
