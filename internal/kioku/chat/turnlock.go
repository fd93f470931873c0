package chat

import (
	"context"
	"sync"
)

// turnLocks hands out one lock per user so that a whole turn (assemble,
// complete, record) runs without another turn of the same user interleaving.
// Entries are dropped once nobody holds or waits for them.
type turnLocks struct {
	mu    sync.Mutex
	users map[string]*turnLock
}

type turnLock struct {
	sem  chan struct{}
	refs int
}

func newTurnLocks() *turnLocks {
	return &turnLocks{users: make(map[string]*turnLock)}
}

// acquire blocks until userID's lock is free or ctx is done. The returned
// func releases the lock and must be called exactly once.
func (l *turnLocks) acquire(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.users[userID]
	if !ok {
		tl = &turnLock{sem: make(chan struct{}, 1)}
		l.users[userID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.sem <- struct{}{}:
		return func() {
			<-tl.sem
			l.unref(userID, tl)
		}, nil
	case <-ctx.Done():
		l.unref(userID, tl)
		return nil, ctx.Err()
	}
}

func (l *turnLocks) unref(userID string, tl *turnLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.users, userID)
	}
}

// len reports how many users currently hold or wait for a lock.
func (l *turnLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
