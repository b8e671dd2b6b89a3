package builder

import "sync"

// shardCount is the fixed bucket count backing every concurrentMap. Reads
// take a shard's RLock (the source's lock-free reads are approximated here
// with the idiomatic Go primitive; writes only ever contend within one of
// shardCount buckets rather than across the whole map).
const shardCount = 64

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// concurrentMap is the Go stand-in for the source's ConcurrentMap_Leapfrog:
// a fixed-bucket hashmap sharded by key so unrelated inserts never block
// each other. Used by both the FileStore (path -> *fileRecord) and the
// CommandStore (fingerprint -> files-hash).
type concurrentMap[K comparable, V any] struct {
	shards [shardCount]*shard[K, V]
	hashFn func(K) uint64
}

func newConcurrentMap[K comparable, V any](hashFn func(K) uint64) *concurrentMap[K, V] {
	cm := &concurrentMap[K, V]{hashFn: hashFn}
	for i := range cm.shards {
		cm.shards[i] = &shard[K, V]{m: make(map[K]V)}
	}
	return cm
}

func (cm *concurrentMap[K, V]) shardFor(k K) *shard[K, V] {
	return cm.shards[cm.hashFn(k)%shardCount]
}

func (cm *concurrentMap[K, V]) Load(k K) (V, bool) {
	s := cm.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[k]
	return v, ok
}

func (cm *concurrentMap[K, V]) Store(k K, v V) {
	s := cm.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[k] = v
}

// LoadOrStore returns the existing value for k if present, otherwise
// stores and returns newValue. The returned bool is true if newValue was
// stored (i.e. this call won the race to insert).
func (cm *concurrentMap[K, V]) LoadOrStore(k K, newValue V) (V, bool) {
	s := cm.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[k]; ok {
		return v, false
	}
	s.m[k] = newValue
	return newValue, true
}

// LoadOrInit is like LoadOrStore but only constructs the new value (via
// make) when an insert is actually needed, so callers don't pay for an
// allocation that loses the race.
func (cm *concurrentMap[K, V]) LoadOrInit(k K, make func() V) (V, bool) {
	s := cm.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[k]; ok {
		return v, false
	}
	v := make()
	s.m[k] = v
	return v, true
}

func (cm *concurrentMap[K, V]) Range(f func(k K, v V) bool) {
	for _, s := range cm.shards {
		s.mu.RLock()
		for k, v := range s.m {
			if !f(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

func (cm *concurrentMap[K, V]) Len() int {
	n := 0
	for _, s := range cm.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
