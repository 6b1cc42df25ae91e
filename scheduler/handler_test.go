package main

import (
	"encoding/binary"
	"testing"

	"github.com/imesh-dev/imesh/msg"
	"github.com/imesh-dev/imesh/pipeline"
	"github.com/imesh-dev/imesh/std"
)

func testScheduler(t *testing.T) *Scheduler {
	t.Helper()
	return newScheduler(&Config{
		NodeID:      10,
		ClusterAddr: "127.0.0.1:28800",
		Key:         "sched secret",
	})
}

func registerMsg(s *Scheduler, id uint32, sessions int) *msg.Msg {
	payload, _ := nodeInfo(id, sessions).Marshal()
	m := msg.New(msg.MessageNodeRegister, uint64(id), 0, payload)
	m.NodeID = id
	m.Extension = std.NewTokenStore(s.cfg.Key).Token(uint64(id))
	return m
}

func TestNodeRegisterRecordsAndBroadcasts(t *testing.T) {
	s := testScheduler(t)

	// an already-registered node should hear about the newcomer
	older := &fakeSender{}
	olderCtx := &pipeline.Context{Out: older}
	if reply := s.pipe.Dispatch(olderCtx, registerMsg(s, 1, 0)); reply.Type != msg.Ack {
		t.Fatalf("first register refused: %+v", reply)
	}

	ctx := &pipeline.Context{Out: &fakeSender{}}
	reply := s.pipe.Dispatch(ctx, registerMsg(s, 2, 0))
	if reply == nil || reply.Type != msg.Ack {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if ctx.SourceNode != 2 {
		t.Fatalf("source node %d, want 2", ctx.SourceNode)
	}
	if !s.registry.nodes.Contains(2) {
		t.Fatalf("node 2 not recorded")
	}
	if older.count() != 1 {
		t.Fatalf("existing node received %d broadcasts, want 1", older.count())
	}
}

func TestNodeRegisterRejectsForgedToken(t *testing.T) {
	s := testScheduler(t)
	m := registerMsg(s, 2, 0)
	m.Extension = []byte("forged")
	ctx := &pipeline.Context{Out: &fakeSender{}}
	reply := s.pipe.Dispatch(ctx, m)
	if reply == nil || reply.Type != msg.Error {
		t.Fatalf("forged register accepted: %+v", reply)
	}
	if s.registry.nodes.Contains(2) {
		t.Fatalf("forged node recorded")
	}
}

func TestNodeUnregisterClearsRegistry(t *testing.T) {
	s := testScheduler(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}
	s.pipe.Dispatch(ctx, registerMsg(s, 2, 0))
	if _, ok := s.registry.WhichNode(42); !ok {
		t.Fatalf("WhichNode found nothing")
	}

	unreg := msg.New(msg.MessageNodeUnregister, 2, 0, nil)
	unreg.Extension = std.NewTokenStore(s.cfg.Key).Token(2)
	if reply := s.pipe.Dispatch(ctx, unreg); reply != nil {
		t.Fatalf("unregister replied: %+v", reply)
	}
	if ctx.SourceNode != 0 {
		t.Fatalf("source node not cleared")
	}
	if s.registry.nodes.Contains(2) {
		t.Fatalf("node 2 survived unregister")
	}
}

func TestWhichNodeEnvelope(t *testing.T) {
	s := testScheduler(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}
	s.pipe.Dispatch(ctx, registerMsg(s, 2, 0))

	query := msg.New(msg.WhichNode, 99, 0, make([]byte, 8))
	binary.BigEndian.PutUint64(query.Payload, 42)
	reply := s.pipe.Dispatch(ctx, query)
	if reply == nil || reply.Type != msg.Ack {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	info, err := msg.UnmarshalServerInfo(reply.Payload)
	if err != nil {
		t.Fatalf("reply payload: %v", err)
	}
	if info.ID != 2 {
		t.Fatalf("placement on node %d, want 2", info.ID)
	}
}

func TestWhichNodeEnvelopeNoNodes(t *testing.T) {
	s := testScheduler(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}
	query := msg.New(msg.WhichNode, 99, 0, make([]byte, 8))
	reply := s.pipe.Dispatch(ctx, query)
	if reply == nil || reply.Type != msg.Error || string(reply.Payload) != "NO_NODE" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestPingPong(t *testing.T) {
	s := testScheduler(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}
	reply := s.pipe.Dispatch(ctx, msg.NewPing(2, 10, 2))
	if reply == nil || reply.Type != msg.Pong {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}
