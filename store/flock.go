// CLAUDE:SUMMARY Refcounted in-process locks keyed by fingerprint.
package store

import "sync"

// lockTable hands out one mutex per fingerprint and frees it when the last
// holder releases, so the table does not grow with every URL ever captured.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*fpLock
}

type fpLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*fpLock)}
}

func (t *lockTable) acquire(key string) (release func()) {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &fpLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			t.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(t.locks, key)
			}
			t.mu.Unlock()
		})
	}
}

// size reports how many fingerprints currently hold a lock entry.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
