package main

import (
	"context"
	"testing"
	"time"

	"github.com/imesh-dev/imesh/msg"
)

// The I/O task stamps the conversation's next sequence number and persists
// the envelope; both directions of the pair share the counter.
func TestIOTaskStampsAndPersists(t *testing.T) {
	n := testNode(t)
	flog := n.mlog.(*fakeLog)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.runIOTask(ctx)
		close(done)
	}()

	a := msg.New(msg.Text, 10, 11, []byte("one"))
	b := msg.New(msg.Text, 11, 10, []byte("two"))
	n.enqueueIO(ioEvent{msg: a})
	n.enqueueIO(ioEvent{msg: b})

	deadline := time.After(2 * time.Second)
	for {
		flog.mu.Lock()
		count := len(flog.msgs)
		flog.mu.Unlock()
		if count == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("io task persisted %d envelopes, want 2", count)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if a.Seqnum != 1 || b.Seqnum != 2 {
		t.Fatalf("seqnums %d/%d, want 1/2 (shared counter)", a.Seqnum, b.Seqnum)
	}
}

func TestIOTaskRoutesBroadcastToGroups(t *testing.T) {
	n := testNode(t)
	groups := &fakeLog{}
	n.groups = &logGroupDeliverer{log: groups}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.runIOTask(ctx)
		close(done)
	}()

	g := msg.New(msg.Text, 10, groupIDFloor+1, []byte("all"))
	n.enqueueIO(ioEvent{broadcast: true, msg: g})

	deadline := time.After(2 * time.Second)
	for {
		groups.mu.Lock()
		count := len(groups.msgs)
		groups.mu.Unlock()
		if count == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("group deliverer saw %d envelopes, want 1", count)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if g.Seqnum != 0 {
		t.Fatalf("group envelope was stamped: %d", g.Seqnum)
	}
}
