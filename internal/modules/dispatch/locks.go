package dispatch

import (
	"sync"

	"eats/internal/types"
)

// keyedMutex hands out one mutex per id and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[types.ID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[types.ID]*refMutex)}
}

// Lock blocks until the key is held and returns its unlock function.
func (k *keyedMutex) Lock(key types.ID) func() {
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
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
