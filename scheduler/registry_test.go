package main

import (
	"reflect"
	"sync"
	"testing"

	"github.com/imesh-dev/imesh/msg"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []*msg.Msg
}

func (f *fakeSender) Send(m *msg.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func nodeInfo(id uint32, sessions int) *msg.ServerInfo {
	return &msg.ServerInfo{
		ID:      id,
		Address: "127.0.0.1:28900",
		Status:  msg.StatusOnline,
		Type:    msg.NodeMessage,
		Load:    &msg.NodeLoad{Sessions: sessions},
	}
}

func TestWhichNodeAssignsLeastLoaded(t *testing.T) {
	r := NewRegistry()
	r.Register(nodeInfo(1, 50), &fakeSender{})
	r.Register(nodeInfo(2, 10), &fakeSender{})
	r.Register(nodeInfo(3, 30), &fakeSender{})

	info, ok := r.WhichNode(777)
	if !ok {
		t.Fatalf("WhichNode found nothing")
	}
	if info.ID != 2 {
		t.Fatalf("assigned node %d, want least-loaded 2", info.ID)
	}
}

func TestWhichNodePlacementIsSticky(t *testing.T) {
	r := NewRegistry()
	r.Register(nodeInfo(1, 0), &fakeSender{})
	r.Register(nodeInfo(2, 0), &fakeSender{})

	first, ok := r.WhichNode(42)
	if !ok {
		t.Fatalf("WhichNode found nothing")
	}
	// register a now-emptier node; existing placements must not move
	r.Register(nodeInfo(3, 0), &fakeSender{})
	second, _ := r.WhichNode(42)
	if first.ID != second.ID {
		t.Fatalf("placement moved from %d to %d", first.ID, second.ID)
	}
}

func TestWhichNodeEmptyRegistry(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.WhichNode(1); ok {
		t.Fatalf("WhichNode answered with no nodes registered")
	}
}

func TestUnregisterDropsPlacements(t *testing.T) {
	r := NewRegistry()
	r.Register(nodeInfo(1, 0), &fakeSender{})
	if _, ok := r.WhichNode(42); !ok {
		t.Fatalf("WhichNode found nothing")
	}

	r.Unregister(1)
	if _, ok := r.WhichNode(42); ok {
		t.Fatalf("placement survived its node")
	}

	// with a new node up, the user is reassigned
	r.Register(nodeInfo(2, 0), &fakeSender{})
	info, ok := r.WhichNode(42)
	if !ok || info.ID != 2 {
		t.Fatalf("reassignment failed: %+v %v", info, ok)
	}
}

func TestBroadcastExcludesOrigin(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeSender{}, &fakeSender{}
	r.Register(nodeInfo(1, 0), a)
	r.Register(nodeInfo(2, 0), b)

	m := msg.New(msg.MessageNodeRegister, 1, 0, nil)
	r.Broadcast(m, 1)
	if a.count() != 0 {
		t.Fatalf("origin received its own broadcast")
	}
	if b.count() != 1 {
		t.Fatalf("peer received %d broadcasts, want 1", b.count())
	}
}

func TestRingSuccessors(t *testing.T) {
	addrs := []string{"a:1", "b:1", "c:1", "d:1", "e:1"}
	got := ringSuccessors(addrs, "b:1")
	// five replicas: each dials the two after it in sorted order
	if want := []string{"c:1", "d:1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("successors of b:1 = %v, want %v", got, want)
	}

	got = ringSuccessors(addrs, "e:1")
	if want := []string{"a:1", "b:1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("successors of e:1 = %v, want %v", got, want)
	}

	if got := ringSuccessors([]string{"a:1"}, "a:1"); len(got) != 0 {
		t.Fatalf("single replica dials %v", got)
	}

	// every pair ends up linked in exactly one direction
	links := make(map[[2]string]int)
	for _, mine := range addrs {
		for _, peer := range ringSuccessors(addrs, mine) {
			pair := [2]string{mine, peer}
			if pair[0] > pair[1] {
				pair[0], pair[1] = pair[1], pair[0]
			}
			links[pair]++
		}
	}
	for pair, n := range links {
		if n != 1 {
			t.Fatalf("pair %v linked %d times", pair, n)
		}
	}
}
