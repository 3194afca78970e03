package store

import (
	"context"
	"sync"
)

// chatLocks hands out one writer slot per chat id. Writers for different
// chats never wait on each other.
type chatLocks struct {
	mu    sync.Mutex
	slots map[int64]*chatSlot
}

type chatSlot struct {
	ch   chan struct{}
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{slots: map[int64]*chatSlot{}}
}

// lock blocks until the chat's slot is free or ctx is done. The returned
// func releases the slot.
func (l *chatLocks) lock(ctx context.Context, chatID int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[chatID]
	if !ok {
		slot = &chatSlot{ch: make(chan struct{}, 1)}
		l.slots[chatID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(chatID, slot)
		return nil, ctx.Err()
	}
	return func() {
		<-slot.ch
		l.release(chatID, slot)
	}, nil
}

func (l *chatLocks) release(chatID int64, slot *chatSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, chatID)
	}
}
