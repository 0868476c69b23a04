package engine

import "sync"

// LockArena hands out one mutex per mint so lifecycle transitions for the
// same asset serialize while different assets proceed in parallel. Locks are
// created lazily and never removed; the set of traded mints is small.
type LockArena struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockArena() *LockArena {
	return &LockArena{locks: make(map[string]*sync.Mutex)}
}

// Get returns the mutex for a mint, creating it on first use
func (a *LockArena) Get(mint string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[mint]
	if !ok {
		l = &sync.Mutex{}
		a.locks[mint] = l
	}
	return l
}

// Len reports how many per-mint locks exist (diagnostics)
func (a *LockArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
