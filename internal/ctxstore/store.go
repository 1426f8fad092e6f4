package ctxstore

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrzor/udplat/internal/event"

	"github.com/zeebo/xxh3"
)

// DefaultShards is used when New is given a non-positive shard count.
const DefaultShards = 64

// Aged is implemented by stored values so stale entries can be found.
type Aged interface {
	LastTouched() time.Time
}

type shard[V Aged] struct {
	mu sync.Mutex
	m  map[event.ContextKey]V
}

// Store is a key-sharded map from context key to V.
type Store[V Aged] struct {
	shards   []shard[V]
	mask     uint64
	capacity int // 0 means unbounded
	size     atomic.Int64
	onEvict  func(event.ContextKey, V)
}

// New creates a store with the given shard count (rounded up to a power of two)
// and total capacity. A capacity of zero or less leaves the store unbounded.
// The capacity applies to the whole store, not to each shard.
func New[V Aged](shards, capacity int) *Store[V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	n := 1
	for n < shards {
		n <<= 1
	}

	s := &Store[V]{
		shards: make([]shard[V], n),
		mask:   uint64(n - 1), //nolint:gosec // n is positive
	}
	if capacity > 0 {
		s.capacity = capacity
	}
	for i := range s.shards {
		s.shards[i].m = make(map[event.ContextKey]V)
	}
	return s
}

// OnEvict registers fn to be called for every entry dropped by capacity
// eviction. It runs with the victim's shard locked and must not call back into
// the store.
// Call before the store is shared.
func (s *Store[V]) OnEvict(fn func(event.ContextKey, V)) {
	s.onEvict = fn
}

func (s *Store[V]) shardFor(key event.ContextKey) *shard[V] {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(key))
	return &s.shards[xxh3.Hash(b[:])&s.mask]
}

// Get returns the value stored for key.
func (s *Store[V]) Get(key event.ContextKey) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	return v, ok
}

// Put stores v under key, replacing any previous value.
func (s *Store[V]) Put(key event.ContextKey, v V) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	added := s.putLocked(sh, key, v)
	sh.mu.Unlock()

	if added {
		s.enforceCapacity(key)
	}
}

// Update atomically applies fn to the current value of key. fn receives the
// current value and whether it exists; it returns the new value and whether to
// keep it. Returning keep=false removes the key.
func (s *Store[V]) Update(key event.ContextKey, fn func(cur V, ok bool) (next V, keep bool)) {
	sh := s.shardFor(key)
	sh.mu.Lock()

	var added bool
	cur, ok := sh.m[key]
	next, keep := fn(cur, ok)
	switch {
	case keep:
		added = s.putLocked(sh, key, next)
	case ok:
		delete(sh.m, key)
		s.size.Add(-1)
	}
	sh.mu.Unlock()

	if added {
		s.enforceCapacity(key)
	}
}

// Take removes and returns the value stored for key.
func (s *Store[V]) Take(key event.ContextKey) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
		s.size.Add(-1)
	}
	return v, ok
}

// Remove deletes key and reports whether it was present.
func (s *Store[V]) Remove(key event.ContextKey) bool {
	_, ok := s.Take(key)
	return ok
}

// Len returns the number of stored entries.
func (s *Store[V]) Len() int {
	return int(s.size.Load())
}

// Sweep removes every entry for which pred returns true and returns how many
// were removed. Shards are locked one at a time.
func (s *Store[V]) Sweep(pred func(event.ContextKey, V) bool) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if pred(k, v) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	s.size.Add(int64(-removed))
	return removed
}

// Clear removes all entries.
func (s *Store[V]) Clear() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		s.size.Add(int64(-len(sh.m)))
		clear(sh.m)
		sh.mu.Unlock()
	}
}

// putLocked stores v and reports whether key is new to the store.
func (s *Store[V]) putLocked(sh *shard[V], key event.ContextKey, v V) bool {
	_, exists := sh.m[key]
	sh.m[key] = v
	if exists {
		return false
	}
	s.size.Add(1)
	return true
}

// enforceCapacity evicts the stalest entries of the whole store until it is
// back within capacity. keep, the entry just inserted, is never chosen.
// No shard lock may be held by the caller on this store.
func (s *Store[V]) enforceCapacity(keep event.ContextKey) {
	if s.capacity == 0 {
		return
	}
	for s.Len() > s.capacity {
		if !s.evictStalest(keep) {
			return
		}
	}
}

// evictStalest scans every shard for the least recently touched entry other
// than keep and removes it. It reports false when there is nothing to evict.
// A victim touched or removed between scan and removal is skipped and the
// caller rescans.
func (s *Store[V]) evictStalest(keep event.ContextKey) bool {
	var (
		victim  event.ContextKey
		oldest  time.Time
		idx     int
		haveOne bool
	)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if k == keep {
				continue
			}
			if t := v.LastTouched(); !haveOne || t.Before(oldest) {
				victim, oldest, idx, haveOne = k, t, i, true
			}
		}
		sh.mu.Unlock()
	}
	if !haveOne {
		return false
	}

	sh := &s.shards[idx]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[victim]
	if !ok || !v.LastTouched().Equal(oldest) {
		return true
	}
	delete(sh.m, victim)
	s.size.Add(-1)
	if s.onEvict != nil {
		s.onEvict(victim, v)
	}
	return true
}
