package vectorstore

import (
	"sync/atomic"

	"github.com/moby/locker"
)

// identityLocks serializes writes per identity tuple. The underlying
// locker drops an entry once no goroutine holds or waits for it.
type identityLocks struct {
	locker *locker.Locker
	held   atomic.Int64
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{locker: locker.New()}
}

// Lock blocks until key is free and returns its unlock func.
func (l *identityLocks) Lock(key string) func() {
	l.held.Add(1)
	l.locker.Lock(key)
	return func() {
		_ = l.locker.Unlock(key)
		l.held.Add(-1)
	}
}

// inFlight counts callers holding or waiting on any key.
func (l *identityLocks) inFlight() int {
	return int(l.held.Load())
}
