package cmap

import (
	"sync"
	"testing"
)

func TestBasicOperations(t *testing.T) {
	m := NewUint64[string]()
	if m.Contains(1) {
		t.Fatalf("empty map contains 1")
	}
	m.Insert(1, "a")
	if v, ok := m.Get(1); !ok || v != "a" {
		t.Fatalf("Get(1) = %q, %v", v, ok)
	}
	m.Insert(1, "b")
	if v, _ := m.Get(1); v != "b" {
		t.Fatalf("Insert did not replace: %q", v)
	}
	if v, ok := m.Remove(1); !ok || v != "b" {
		t.Fatalf("Remove(1) = %q, %v", v, ok)
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d after removal", m.Len())
	}
}

func TestInsertIfAbsent(t *testing.T) {
	m := NewUint32[int]()
	if !m.InsertIfAbsent(7, 1) {
		t.Fatalf("first InsertIfAbsent failed")
	}
	if m.InsertIfAbsent(7, 2) {
		t.Fatalf("second InsertIfAbsent succeeded")
	}
	if v, _ := m.Get(7); v != 1 {
		t.Fatalf("value overwritten: %d", v)
	}
}

func TestRangeStopsEarly(t *testing.T) {
	m := NewUint64[int]()
	for i := uint64(0); i < 100; i++ {
		m.Insert(i, int(i))
	}
	seen := 0
	m.Range(func(uint64, int) bool {
		seen++
		return seen < 10
	})
	if seen != 10 {
		t.Fatalf("Range visited %d entries, want 10", seen)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	m := NewUint64[int]()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for i := uint64(0); i < 1000; i++ {
				k := base*1000 + i
				m.Insert(k, int(k))
				if v, ok := m.Get(k); !ok || v != int(k) {
					t.Errorf("Get(%d) = %d, %v", k, v, ok)
					return
				}
				m.Range(func(uint64, int) bool { return false })
				if i%2 == 0 {
					m.Remove(k)
				}
			}
		}(uint64(w))
	}
	wg.Wait()
	if got := m.Len(); got != 8*500 {
		t.Fatalf("Len = %d, want %d", got, 8*500)
	}
}
