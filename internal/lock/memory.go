package lock

import (
	"context"
	"sync"
)

type roomLock struct {
	ch   chan struct{}
	refs int
}

// MemoryRoomLocker is an in-process keyed mutex. Entries are dropped once no
// goroutine holds or waits for them.
type MemoryRoomLocker struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

func NewMemoryRoomLocker() *MemoryRoomLocker {
	return &MemoryRoomLocker{rooms: make(map[string]*roomLock)}
}

func (l *MemoryRoomLocker) Lock(ctx context.Context, roomID string) (func(), error) {
	l.mu.Lock()
	rl, ok := l.rooms[roomID]
	if !ok {
		rl = &roomLock{ch: make(chan struct{}, 1)}
		l.rooms[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	select {
	case rl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(roomID, rl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-rl.ch
			l.release(roomID, rl)
		})
	}, nil
}

func (l *MemoryRoomLocker) release(roomID string, rl *roomLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.rooms, roomID)
	}
}

func (l *MemoryRoomLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}
