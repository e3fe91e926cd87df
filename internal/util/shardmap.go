package util

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShardCount is the number of shards used when none is given.
const DefaultShardCount = 32

// ShardedMap is a string-keyed map split into independently locked shards,
// so operations on unrelated keys rarely contend.
type ShardedMap[V any] struct {
	shards []*mapShard[V]
}

type mapShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewShardedMap creates a ShardedMap with the given shard count.
func NewShardedMap[V any](shardCount int) *ShardedMap[V] {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}

	m := &ShardedMap[V]{shards: make([]*mapShard[V], shardCount)}
	for i := range m.shards {
		m.shards[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *ShardedMap[V]) shard(key string) *mapShard[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Load returns the value stored under key.
func (m *ShardedMap[V]) Load(key string) (V, bool) {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Store sets the value for key, replacing any previous value.
func (m *ShardedMap[V]) Store(key string, value V) {
	s := m.shard(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

// LoadOrCreate returns the existing value for key or stores the result of create.
// create runs under the shard lock and must not touch the map.
func (m *ShardedMap[V]) LoadOrCreate(key string, create func() V) (value V, created bool) {
	s := m.shard(key)

	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return v, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok = s.items[key]; ok {
		return v, false
	}
	v = create()
	s.items[key] = v
	return v, true
}

// Delete removes key and returns the removed value.
func (m *ShardedMap[V]) Delete(key string) (V, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return v, ok
}

// DeleteIf removes every entry for which pred returns true and reports how many were removed.
func (m *ShardedMap[V]) DeleteIf(pred func(key string, value V) bool) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if pred(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Range calls fn for every entry until fn returns false. Each shard is
// read-locked while it is visited.
func (m *ShardedMap[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Len returns the number of entries.
func (m *ShardedMap[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Clear removes all entries.
func (m *ShardedMap[V]) Clear() {
	for _, s := range m.shards {
		s.mu.Lock()
		s.items = make(map[string]V)
		s.mu.Unlock()
	}
}
