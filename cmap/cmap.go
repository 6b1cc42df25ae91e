// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package cmap provides the sharded concurrent map backing the session map,
// the cluster map, and the scheduler registry. Readers are handlers on every
// message; writers are acceptors and stream pumps on open/close, so the map
// shards by key hash to keep writer locks off the hot read path.
package cmap

import "sync"

const defaultShards = 32

// Map is a hash-sharded map safe for concurrent use.
type Map[K comparable, V any] struct {
	shards []shard[K, V]
	hash   func(K) uint64
}

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// New builds a map with the default shard count. hash spreads keys over
// shards; for integer ids the identity function is fine.
func New[K comparable, V any](hash func(K) uint64) *Map[K, V] {
	m := &Map[K, V]{
		shards: make([]shard[K, V], defaultShards),
		hash:   hash,
	}
	for i := range m.shards {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

// NewUint64 is New for the common uint64-keyed case.
func NewUint64[V any]() *Map[uint64, V] {
	return New[uint64, V](func(k uint64) uint64 { return k })
}

// NewUint32 is New for uint32 keys.
func NewUint32[V any]() *Map[uint32, V] {
	return New[uint32, V](func(k uint32) uint64 { return uint64(k) })
}

func (m *Map[K, V]) shardOf(k K) *shard[K, V] {
	return &m.shards[m.hash(k)%uint64(len(m.shards))]
}

// Get returns the value for k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	s := m.shardOf(k)
	s.mu.RLock()
	v, ok := s.m[k]
	s.mu.RUnlock()
	return v, ok
}

// Contains reports whether k is present.
func (m *Map[K, V]) Contains(k K) bool {
	_, ok := m.Get(k)
	return ok
}

// Insert stores v under k, replacing any previous value.
func (m *Map[K, V]) Insert(k K, v V) {
	s := m.shardOf(k)
	s.mu.Lock()
	s.m[k] = v
	s.mu.Unlock()
}

// InsertIfAbsent stores v under k only if k is free and reports whether it
// stored. Used to enforce single ownership of sessions and peer links.
func (m *Map[K, V]) InsertIfAbsent(k K, v V) bool {
	s := m.shardOf(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[k]; ok {
		return false
	}
	s.m[k] = v
	return true
}

// Remove deletes k and returns the removed value.
func (m *Map[K, V]) Remove(k K) (V, bool) {
	s := m.shardOf(k)
	s.mu.Lock()
	v, ok := s.m[k]
	if ok {
		delete(s.m, k)
	}
	s.mu.Unlock()
	return v, ok
}

// Range calls fn for every entry until fn returns false. Entries inserted or
// removed concurrently may or may not be observed.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for k, v := range s.m {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Len counts entries across all shards.
func (m *Map[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
