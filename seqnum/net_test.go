package seqnum

import (
	"net"
	"sync"
	"testing"
	"time"
)

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := pc.LocalAddr().String()
	pc.Close()
	return addr
}

func TestClientServerNext(t *testing.T) {
	store := openStore(t, t.TempDir(), 2, 0)
	defer store.Close()

	srv := NewServer(store, "seqnum secret", "none")
	addr := freeUDPAddr(t)
	go srv.ListenAndServe(addr)
	defer srv.Close()
	time.Sleep(100 * time.Millisecond)

	client, err := Dial(addr, "seqnum secret", "none", 2)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer client.Close()

	key := NewKey(70, 71)
	for want := uint64(1); want <= 20; want++ {
		got, err := client.Next(key)
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		if got != want {
			t.Fatalf("Next = %d, want %d", got, want)
		}
	}
}

func TestClientConcurrentStreams(t *testing.T) {
	store := openStore(t, t.TempDir(), 2, 0)
	defer store.Close()

	srv := NewServer(store, "seqnum secret", "none")
	addr := freeUDPAddr(t)
	go srv.ListenAndServe(addr)
	defer srv.Close()
	time.Sleep(100 * time.Millisecond)

	client, err := Dial(addr, "seqnum secret", "none", 4)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer client.Close()

	key := NewKey(80, 81)
	const n = 50
	seen := make(map[uint64]bool, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := client.Next(key)
			if err != nil {
				t.Errorf("Next returned error: %v", err)
				return
			}
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("%d distinct values, want %d", len(seen), n)
	}
	for v := uint64(1); v <= n; v++ {
		if !seen[v] {
			t.Fatalf("value %d never issued", v)
		}
	}
}
