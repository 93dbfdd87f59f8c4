package session

import "sync"

// KeyedLocks hands out one mutex per session ID so fills on one session
// serialize without different sessions ever contending. Mutexes are
// created lazily and kept for the process lifetime; session cardinality
// is bounded by challenge participation.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedLocks creates an empty lock registry.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*sync.Mutex)}
}

// Get returns the mutex for a session ID, creating it on first use.
func (k *KeyedLocks) Get(sessionID string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		k.locks[sessionID] = l
	}
	return l
}
