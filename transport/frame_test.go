package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/imesh-dev/imesh/msg"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	m := msg.New(msg.Text, 10, 11, []byte("yo"))
	m.Extension = []byte{1, 2, 3}
	m.Seqnum = 5
	m.NodeID = 1
	if err := writeMsg(&buf, m); err != nil {
		t.Fatalf("writeMsg returned error: %v", err)
	}

	got, err := readMsg(&buf, new(frameBuffers))
	if err != nil {
		t.Fatalf("readMsg returned error: %v", err)
	}
	if got.Sender != 10 || got.Receiver != 11 || string(got.Payload) != "yo" ||
		!bytes.Equal(got.Extension, m.Extension) {
		t.Fatalf("frame mismatch: %+v", got)
	}
}

func TestFrameOrderPreserved(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 10; i++ {
		m := msg.New(msg.Text, uint64(i), 99, []byte{byte(i)})
		if err := writeMsg(&buf, m); err != nil {
			t.Fatalf("writeMsg returned error: %v", err)
		}
	}
	fb := new(frameBuffers)
	for i := 0; i < 10; i++ {
		got, err := readMsg(&buf, fb)
		if err != nil {
			t.Fatalf("readMsg %d returned error: %v", i, err)
		}
		if got.Sender != uint64(i) {
			t.Fatalf("frame %d out of order: sender %d", i, got.Sender)
		}
	}
}

func TestReadMsgRejectsBadPrefix(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 1024)
	buf.Write(prefix[:])
	buf.Write(make([]byte, 1024))

	_, err := readMsg(&buf, new(frameBuffers))
	if !IsFrameError(err) {
		t.Fatalf("error %v, want FrameError", err)
	}
}

func TestReadMsgRejectsBadVersion(t *testing.T) {
	var buf bytes.Buffer
	m := msg.New(msg.Text, 1, 2, nil)
	if err := writeMsg(&buf, m); err != nil {
		t.Fatalf("writeMsg returned error: %v", err)
	}
	wire := buf.Bytes()
	wire[4], wire[5] = 0xff, 0xff // version field right after the prefix

	_, err := readMsg(bytes.NewReader(wire), new(frameBuffers))
	if !IsFrameError(err) {
		t.Fatalf("error %v, want FrameError", err)
	}
}

func TestWriteMsgRefusesOversized(t *testing.T) {
	var buf bytes.Buffer
	m := msg.New(msg.Text, 1, 2, make([]byte, msg.MaxPayload+1))
	if err := writeMsg(&buf, m); err == nil {
		t.Fatalf("expected error for oversized payload")
	}
	if buf.Len() != 0 {
		t.Fatalf("partial frame written: %d bytes", buf.Len())
	}
}
