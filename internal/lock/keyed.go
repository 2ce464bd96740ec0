package lock

import (
	"sync"
)

// Keyed serializes work per key. Entries are released once nobody holds or
// waits on them, so the map only grows with the number of active keys.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Lock blocks until key is free and returns the function releasing it.
func (k *Keyed) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = new(entry)
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Do runs fn while holding key.
func (k *Keyed) Do(key string, fn func() error) error {
	unlock := k.Lock(key)
	defer unlock()
	return fn()
}

func (k *Keyed) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
