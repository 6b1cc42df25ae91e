package pipeline

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/imesh-dev/imesh/msg"
)

type recordingHandler struct {
	accepts msg.Type
	reply   *msg.Msg
	err     error
	calls   int
}

func (h *recordingHandler) Run(ctx *Context, m *msg.Msg) (*msg.Msg, error) {
	if m.Type != h.accepts {
		return nil, ErrNotMine
	}
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	return h.reply, nil
}

// Given [H1, H2, H3] where only H2 accepts type T, dispatch invokes exactly
// H2; the others observe nothing.
func TestDispatchFirstMatchOnly(t *testing.T) {
	h1 := &recordingHandler{accepts: msg.Auth}
	h2 := &recordingHandler{accepts: msg.Text, reply: msg.New(msg.Ack, 1, 2, nil)}
	h3 := &recordingHandler{accepts: msg.Text, reply: msg.New(msg.Ack, 9, 9, nil)}
	p := New(1, h1, h2, h3)

	reply := p.Dispatch(&Context{}, msg.New(msg.Text, 1, 2, []byte("t")))
	if reply == nil || reply.Sender != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if h1.calls != 0 || h2.calls != 1 || h3.calls != 0 {
		t.Fatalf("calls = %d/%d/%d, want 0/1/0", h1.calls, h2.calls, h3.calls)
	}
}

func TestDispatchStampsClientTimestamp(t *testing.T) {
	var seen uint64
	h := handlerFunc(func(ctx *Context, m *msg.Msg) (*msg.Msg, error) {
		seen = ctx.ClientTimestamp
		return nil, nil
	})
	p := New(1, h)
	m := msg.New(msg.Text, 1, 2, nil)
	m.Timestamp = 12345
	p.Dispatch(&Context{}, m)
	if seen != 12345 {
		t.Fatalf("client timestamp %d, want 12345", seen)
	}
}

func TestDispatchUnhandledReturnsErrorAck(t *testing.T) {
	p := New(3, &recordingHandler{accepts: msg.Auth})
	m := msg.New(msg.Text, 1, 2, nil)
	reply := p.Dispatch(&Context{}, m)
	if reply == nil || reply.Type != msg.Error {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.NodeID != 3 {
		t.Fatalf("error ack node id %d, want 3", reply.NodeID)
	}
	if reply.ClientTimestamp() != m.Timestamp {
		t.Fatalf("error ack lost client timestamp")
	}
}

func TestDispatchHandlerErrorBecomesErrorAck(t *testing.T) {
	h := &recordingHandler{accepts: msg.Text, err: errors.New("boom")}
	p := New(1, h)
	reply := p.Dispatch(&Context{}, msg.New(msg.Text, 1, 2, nil))
	if reply == nil || reply.Type != msg.Error {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if string(reply.Payload) != "HANDLER" {
		t.Fatalf("reason %q, want HANDLER", reply.Payload)
	}
}

func TestDispatchAuthFailureClosesStream(t *testing.T) {
	h := &recordingHandler{accepts: msg.Auth, err: ErrAuthFailed}
	p := New(1, h)
	ctx := &Context{}
	reply := p.Dispatch(ctx, msg.New(msg.Auth, 1, 2, nil))
	if reply == nil || reply.Type != msg.Error || string(reply.Payload) != "AUTH" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if !ctx.CloseStream {
		t.Fatalf("auth failure did not request stream close")
	}
}

func TestDispatchNilReplyMeansNoop(t *testing.T) {
	h := handlerFunc(func(ctx *Context, m *msg.Msg) (*msg.Msg, error) {
		return nil, nil
	})
	p := New(1, h)
	if reply := p.Dispatch(&Context{}, msg.New(msg.Text, 1, 2, nil)); reply != nil {
		t.Fatalf("expected nil reply, got %+v", reply)
	}
}

type handlerFunc func(ctx *Context, m *msg.Msg) (*msg.Msg, error)

func (f handlerFunc) Run(ctx *Context, m *msg.Msg) (*msg.Msg, error) { return f(ctx, m) }
