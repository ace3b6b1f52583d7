package ledger

import (
	"hash/fnv"
	"sync"
)

// keyMutex provides per-key mutual exclusion with a fixed number of stripes.
// Two distinct keys may share a stripe; that only costs a little parallelism,
// never correctness. Locks are held only for an in-memory computation plus a
// durable write, never across a network call.
type keyMutex struct {
	stripes []sync.Mutex
}

func newKeyMutex(stripes int) *keyMutex {
	if stripes <= 0 {
		stripes = 256
	}
	return &keyMutex{stripes: make([]sync.Mutex, stripes)}
}

// Lock acquires the stripe for key and returns its unlock function.
func (m *keyMutex) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	stripe := &m.stripes[h.Sum32()%uint32(len(m.stripes))]
	stripe.Lock()
	return stripe.Unlock
}
