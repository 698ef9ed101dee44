package jobs

import (
	"hash/fnv"
	"sync"
)

// KeyLock serializes operations that share a string key. SQLite has no
// advisory locks, and the scheduler runs as a single process, so an
// in-process striped mutex gives enqueuers for the same (symbol, timeframe)
// key the serialization the dedup check needs. Keys that hash to the same
// stripe share a mutex, which over-serializes but never under-serializes.
type KeyLock struct {
	stripes []sync.Mutex
}

// NewKeyLock creates a key lock with the given number of stripes.
func NewKeyLock(stripes int) *KeyLock {
	if stripes <= 0 {
		stripes = 64
	}
	return &KeyLock{stripes: make([]sync.Mutex, stripes)}
}

// Lock acquires the stripe for key and returns the matching unlock func.
func (k *KeyLock) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &k.stripes[int(h.Sum32())%len(k.stripes)]
	mu.Lock()
	return mu.Unlock
}
