package seqnum

import (
	"encoding/binary"
	"testing"
)

// key(a,b) == key(b,a): both directions of a pair share one counter.
func TestKeySymmetry(t *testing.T) {
	for _, pair := range [][2]uint64{
		{10, 11},
		{11, 10},
		{0, 0},
		{1, 1},
		{0, ^uint64(0)},
		{^uint64(0), 0},
		{1 << 46, 7},
	} {
		if NewKey(pair[0], pair[1]) != NewKey(pair[1], pair[0]) {
			t.Fatalf("key(%d,%d) != key(%d,%d)", pair[0], pair[1], pair[1], pair[0])
		}
	}
}

func TestKeyLayout(t *testing.T) {
	k := NewKey(11, 10)
	if binary.BigEndian.Uint64(k[:8]) != 10 {
		t.Fatalf("low half is %d, want the smaller id", binary.BigEndian.Uint64(k[:8]))
	}
	if binary.BigEndian.Uint64(k[8:]) != 11 {
		t.Fatalf("high half is %d, want the larger id", binary.BigEndian.Uint64(k[8:]))
	}
}

func TestKeyDistinctPairsDiffer(t *testing.T) {
	if NewKey(1, 2) == NewKey(1, 3) {
		t.Fatalf("distinct pairs share a key")
	}
}
