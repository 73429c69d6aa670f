package session

import (
	"context"
	"sync"
)

// userLocks hands out one mutex-like slot per user id. Entries are reference counted and
// dropped once nobody holds or waits for them. Waiters are served in arrival order.
type userLocks struct {
	mu    sync.Mutex
	slots map[int64]*userSlot
}

type userSlot struct {
	ch   chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{slots: make(map[int64]*userSlot)}
}

// acquire blocks until the user's slot is free or ctx is done. The returned func releases it.
func (l *userLocks) acquire(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[userID]
	if !ok {
		slot = &userSlot{ch: make(chan struct{}, 1)}
		l.slots[userID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(userID, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.unref(userID, slot)
		})
	}, nil
}

func (l *userLocks) unref(userID int64, slot *userSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, userID)
	}
}

// size reports how many users currently hold or wait for a slot.
func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
