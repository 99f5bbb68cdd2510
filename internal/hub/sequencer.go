package hub

import "sync"

// keyedMutex hands out one mutex per key, dropping it once nobody holds or
// waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Sequence runs fn while holding the request's sequence point. Callers wrap
// "commit at the registry, then emit" in it so one request's lifecycle events
// leave the hub in commit order.
func (h *Hub) Sequence(requestID string, fn func() error) error {
	unlock := h.seq.lock(requestID)
	defer unlock()
	return fn()
}
