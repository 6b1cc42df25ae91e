package transport

import (
	"testing"
	"time"

	"github.com/imesh-dev/imesh/msg"
)

func depthTwoClient(t *testing.T) *Client {
	t.Helper()
	cfg, err := clientBuilder().WithSendQueueDepth(2).Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return NewClient(cfg)
}

// With a depth-k send queue, the k+1-th send suspends and completes only
// after one drain.
func TestSendBackpressure(t *testing.T) {
	c := depthTwoClient(t)
	defer c.Close("")

	for i := 0; i < 2; i++ {
		if err := c.Send(msg.New(msg.Text, 1, 2, nil)); err != nil {
			t.Fatalf("send %d returned error: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Send(msg.New(msg.Text, 1, 2, []byte("third")))
	}()

	select {
	case err := <-done:
		t.Fatalf("third send completed on a full queue: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	<-c.sendQ // one drain

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("third send returned error after drain: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("third send still suspended after drain")
	}
}

func TestSendAfterCloseReturnsQueueClosed(t *testing.T) {
	c := depthTwoClient(t)
	c.Close("test over")
	if err := c.Send(msg.New(msg.Text, 1, 2, nil)); err != ErrQueueClosed {
		t.Fatalf("error %v, want ErrQueueClosed", err)
	}
	if _, ok := c.Recv(); ok {
		t.Fatalf("Recv succeeded on closed client")
	}
}

func TestOpenStreamRequiresConnect(t *testing.T) {
	c := depthTwoClient(t)
	defer c.Close("")
	if _, err := c.OpenStream(); err != ErrNotConnected {
		t.Fatalf("error %v, want ErrNotConnected", err)
	}
}
