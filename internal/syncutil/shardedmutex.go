// Package syncutil provides keyed locking primitives. The registry
// serializes all mutations of one agent through a per-id lock.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex is a fixed pool of mutexes keyed by string. Memory stays
// bounded no matter how many keys are seen; unrelated keys hashing to
// the same shard occasionally contend, which is acceptable for the
// short critical sections it guards.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the key's mutex and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}
