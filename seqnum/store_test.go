package seqnum

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func openStore(t *testing.T, dir string, shards int, segLimit int64) *Store {
	t.Helper()
	s, err := Open(dir, shards, segLimit)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return s
}

func TestNextIsSequentialPerKey(t *testing.T) {
	s := openStore(t, t.TempDir(), 4, 0)
	defer s.Close()

	key := NewKey(10, 11)
	for want := uint64(1); want <= 100; want++ {
		got, err := s.Next(key)
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		if got != want {
			t.Fatalf("Next = %d, want %d", got, want)
		}
	}
	if s.Current(NewKey(11, 10)) != 100 {
		t.Fatalf("reversed key does not share the counter")
	}
}

// N concurrent calls return a permutation of [1, N].
func TestNextConcurrentPermutation(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := openStore(t, t.TempDir(), 4, 0)
	key := NewKey(20, 21)

	const n = 500
	results := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Next(key)
			if err != nil {
				t.Errorf("Next returned error: %v", err)
				return
			}
			results <- v
		}()
	}
	wg.Wait()
	close(results)
	s.Close()

	seen := make([]uint64, 0, n)
	for v := range results {
		seen = append(seen, v)
	}
	if len(seen) != n {
		t.Fatalf("got %d results, want %d", len(seen), n)
	}
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	for i, v := range seen {
		if v != uint64(i+1) {
			t.Fatalf("results are not a permutation of [1,%d]: index %d holds %d", n, i, v)
		}
	}
}

// After restart the first issued value strictly exceeds every previous one.
func TestRecoveryAfterRestart(t *testing.T) {
	dir := t.TempDir()
	key := NewKey(30, 31)

	s := openStore(t, dir, 2, 0)
	for i := 0; i < 100; i++ {
		if _, err := s.Next(key); err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
	}
	s.Close()

	s = openStore(t, dir, 2, 0)
	defer s.Close()
	got, err := s.Next(key)
	if err != nil {
		t.Fatalf("Next after restart returned error: %v", err)
	}
	if got != 101 {
		t.Fatalf("Next after restart = %d, want 101", got)
	}
}

// Restart with a different shard count must not regress counters: placement
// depends only on the key.
func TestRecoveryAcrossShardCounts(t *testing.T) {
	dir := t.TempDir()
	key := NewKey(40, 41)

	s := openStore(t, dir, 1, 0)
	for i := 0; i < 10; i++ {
		s.Next(key)
	}
	s.Close()

	s = openStore(t, dir, 8, 0)
	defer s.Close()
	if got, _ := s.Next(key); got != 11 {
		t.Fatalf("Next = %d, want 11", got)
	}
}

func TestRecoveryIgnoresTornTail(t *testing.T) {
	dir := t.TempDir()
	key := NewKey(50, 51)

	s := openStore(t, dir, 1, 0)
	for i := 0; i < 5; i++ {
		s.Next(key)
	}
	s.Close()

	// simulate a crash mid-append: a torn half-record at EOF
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir returned error: %v", err)
	}
	var target string
	for _, e := range entries {
		info, _ := e.Info()
		if info.Size() > 0 {
			target = filepath.Join(dir, e.Name())
		}
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("OpenFile returned error: %v", err)
	}
	torn := make([]byte, recordLen/2)
	copy(torn, key[:])
	binary.BigEndian.PutUint32(torn[8:], 0xffffffff)
	f.Write(torn)
	f.Close()

	s = openStore(t, dir, 1, 0)
	defer s.Close()
	if got, _ := s.Next(key); got != 6 {
		t.Fatalf("Next after torn tail = %d, want 6", got)
	}
}

// Segments roll by size and recovery folds all of them.
func TestSegmentRollAndRecovery(t *testing.T) {
	dir := t.TempDir()
	key := NewKey(60, 61)

	s := openStore(t, dir, 1, recordLen*10)
	for i := 0; i < 100; i++ {
		s.Next(key)
	}
	s.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir returned error: %v", err)
	}
	if len(entries) < 10 {
		t.Fatalf("expected rolled segments, found %d files", len(entries))
	}

	s = openStore(t, dir, 1, recordLen*10)
	defer s.Close()
	if got, _ := s.Next(key); got != 101 {
		t.Fatalf("Next after roll = %d, want 101", got)
	}
}

func TestNextAfterCloseFails(t *testing.T) {
	s := openStore(t, t.TempDir(), 2, 0)
	s.Close()
	if _, err := s.Next(NewKey(1, 2)); err == nil {
		t.Fatalf("expected error after Close")
	}
}
