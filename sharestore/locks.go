package sharestore

import (
	"sync"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// idLocks serialises writers per capsule id. Entries are dropped once no
// goroutine holds or waits for them.
type idLocks struct {
	mu    sync.Mutex
	locks map[interfaces.CapsuleID]*idLock
}

type idLock struct {
	sync.Mutex
	refs int
}

func newIDLocks() *idLocks {
	return &idLocks{locks: make(map[interfaces.CapsuleID]*idLock)}
}

func (l *idLocks) lock(id interfaces.CapsuleID) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &idLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
