package resilience

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shardCount is the number of lock shards in a registry. Power of two
// so the modulo reduces to a mask.
const shardCount = 16

// shardedMap is a string-keyed map sharded by key hash, so operations
// on unrelated keys do not contend on one mutex. It backs the breaker,
// bulkhead, and limiter registries.
type shardedMap[V any] struct {
	shards [shardCount]mapShard[V]
}

type mapShard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

func newShardedMap[V any]() *shardedMap[V] {
	s := &shardedMap[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

func (s *shardedMap[V]) shard(key string) *mapShard[V] {
	return &s.shards[xxhash.Sum64String(key)&(shardCount-1)]
}

func (s *shardedMap[V]) get(key string) (V, bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.m[key]
	return v, ok
}

// getOrCreate returns the value for key, creating it with create under
// the shard lock on first reference.
func (s *shardedMap[V]) getOrCreate(key string, create func() V) V {
	sh := s.shard(key)

	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	if ok {
		return v
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if v, ok := sh.m[key]; ok {
		return v
	}
	v = create()
	sh.m[key] = v
	return v
}

func (s *shardedMap[V]) delete(key string) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.m, key)
}

// each calls fn for every entry. fn must not call back into the map.
func (s *shardedMap[V]) each(fn func(key string, v V)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, v := range sh.m {
			fn(k, v)
		}
		sh.mu.RUnlock()
	}
}
