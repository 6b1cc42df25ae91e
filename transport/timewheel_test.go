package transport

import (
	"testing"
	"time"

	"github.com/imesh-dev/imesh/msg"
)

func TestTimingWheelExpiry(t *testing.T) {
	out := make(chan *msg.Msg, 4)
	w := newTimingWheel(50*time.Millisecond, out)
	defer w.stop()

	m := msg.New(msg.Text, 1, 2, []byte("late"))
	w.add(correlationID(m.Sender, m.Receiver, m.Timestamp), m)

	select {
	case got := <-out:
		if got.Sender != 1 || string(got.Payload) != "late" {
			t.Fatalf("wrong envelope reported: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expiry never reported")
	}
}

func TestTimingWheelCancel(t *testing.T) {
	out := make(chan *msg.Msg, 4)
	w := newTimingWheel(50*time.Millisecond, out)
	defer w.stop()

	m := msg.New(msg.Text, 1, 2, nil)
	id := correlationID(m.Sender, m.Receiver, m.Timestamp)
	w.add(id, m)
	w.cancel(id)

	select {
	case got := <-out:
		t.Fatalf("cancelled entry reported: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTimingWheelReAddReplaces(t *testing.T) {
	out := make(chan *msg.Msg, 4)
	w := newTimingWheel(50*time.Millisecond, out)
	defer w.stop()

	first := msg.New(msg.Text, 1, 2, []byte("first"))
	second := msg.New(msg.Text, 1, 2, []byte("second"))
	second.Timestamp = first.Timestamp
	id := correlationID(first.Sender, first.Receiver, first.Timestamp)
	w.add(id, first)
	w.add(id, second)

	got := <-out
	if string(got.Payload) != "second" {
		t.Fatalf("expected replacement to win, got %q", got.Payload)
	}
	select {
	case extra := <-out:
		t.Fatalf("stale entry reported: %+v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCorrelationIDDistinguishesRequests(t *testing.T) {
	a := correlationID(1, 2, 1000)
	b := correlationID(1, 2, 1001)
	c := correlationID(2, 1, 1000)
	if a == b || a == c || b == c {
		t.Fatalf("correlation ids collide: %d %d %d", a, b, c)
	}
	if a != correlationID(1, 2, 1000) {
		t.Fatalf("correlation id not deterministic")
	}
}
