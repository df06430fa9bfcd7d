package lifecycle

import (
	"sync"

	"github.com/bitserve/bitserve"
)

// keyedMutex provides one mutex per infohash so operations on distinct
// items run concurrently while operations on the same item serialize.
// Entries are reference counted and dropped when unused, so the map
// does not grow with the catalog.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[bitserve.InfoHash]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		locks: make(map[bitserve.InfoHash]*lockEntry),
	}
}

// lock acquires the mutex for id and returns its unlock function.
func (k *keyedMutex) lock(id bitserve.InfoHash) func() {
	k.mu.Lock()
	entry, ok := k.locks[id]
	if !ok {
		entry = &lockEntry{}
		k.locks[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
