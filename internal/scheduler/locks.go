package scheduler

import "sync"

// keyedMutex hands out one mutex per task id and forgets it once nobody holds it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 && k.locks[key] == m {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len is the number of ids currently locked or waited on.
func (k *keyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// reset drops every entry. Holders still unlock their own mutex.
func (k *keyedMutex) reset() {
	k.mu.Lock()
	k.locks = make(map[string]*refMutex)
	k.mu.Unlock()
}
