package reconcile

import "sync"

type rootLock struct {
	mu   sync.Mutex
	refs int
}

// rootLocks serializes work per root module. Entries live only while held
// or waited on.
type rootLocks struct {
	mu    sync.Mutex
	locks map[string]*rootLock
}

func newRootLocks() *rootLocks {
	return &rootLocks{locks: make(map[string]*rootLock)}
}

// lock blocks until the lock for key is held and returns its release func.
func (l *rootLocks) lock(key string) func() {
	l.mu.Lock()
	rl, ok := l.locks[key]
	if !ok {
		rl = &rootLock{}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		defer l.mu.Unlock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, key)
		}
	}
}

// held returns the number of keys currently locked or waited on.
func (l *rootLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
