package ingest

import (
	"sync"

	"github.com/hupe1980/imago/model"
)

// keyedMutex serializes work per fingerprint: at most one pipeline runs
// for a given fingerprint at any time, while distinct fingerprints
// proceed fully in parallel. Entries are reference-counted so the map
// does not grow with the lifetime of the process.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[model.Fingerprint]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[model.Fingerprint]*lockEntry)}
}

// Lock acquires the exclusive section for fp and returns its release
// function. Concurrent callers with the same fingerprint block here and
// observe the winner's result afterwards.
func (k *keyedMutex) Lock(fp model.Fingerprint) func() {
	k.mu.Lock()
	e, ok := k.entries[fp]
	if !ok {
		e = &lockEntry{}
		k.entries[fp] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, fp)
		}
		k.mu.Unlock()
	}
}
