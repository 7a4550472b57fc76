package orchestrator

import (
	"sync"

	"github.com/guild-ranksync/internal/domain"
)

// KeyMutex is a lock table keyed by local user id. It serializes
// reconciliations for the same account across the batch engine and the
// link/unlink lifecycle. Entries are reference counted and removed when the
// last holder releases.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[domain.UserID]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyMutex creates an empty lock table
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[domain.UserID]*keyLock)}
}

// Lock acquires the per-account lock and returns its release function.
func (k *KeyMutex) Lock(id domain.UserID) func() {
	k.mu.Lock()
	entry, ok := k.locks[id]
	if !ok {
		entry = &keyLock{}
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
