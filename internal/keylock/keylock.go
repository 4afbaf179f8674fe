// Package keylock provides per-key mutual exclusion. Webhook callbacks for
// the same workflow or production run must be serialized while callbacks for
// different aggregates proceed in parallel.
package keylock

import "sync"

// KeyLock hands out one mutex per key. Mutexes are retained for the life of
// the process; the key space (workflows, runs) is small.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns the unlock function.
func (k *KeyLock) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
