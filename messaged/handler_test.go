package main

import (
	"sync"
	"testing"

	"github.com/imesh-dev/imesh/msg"
	"github.com/imesh-dev/imesh/pipeline"
	"github.com/imesh-dev/imesh/seqnum"
	"github.com/imesh-dev/imesh/std"
	"github.com/imesh-dev/imesh/transport"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []*msg.Msg
	fail bool
}

func (f *fakeSender) Send(m *msg.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return transport.ErrQueueClosed
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeSender) received() []*msg.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*msg.Msg(nil), f.msgs...)
}

type fakeSeq struct {
	mu   sync.Mutex
	vals map[seqnum.Key]uint64
}

func (f *fakeSeq) Next(key seqnum.Key) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vals == nil {
		f.vals = make(map[seqnum.Key]uint64)
	}
	f.vals[key]++
	return f.vals[key], nil
}

type fakeLog struct {
	mu   sync.Mutex
	msgs []*msg.Msg
}

func (f *fakeLog) Append(m *msg.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeLog) Close() error { return nil }

func testNode(t *testing.T) *Node {
	t.Helper()
	cfg := &Config{
		NodeID:         1,
		Key:            "node secret",
		TaskQueueDepth: 64,
		SendQueueDepth: 64,
		RecvQueueDepth: 64,
		MaxStreams:     16,
		KeepAlive:      10,
	}
	return newNode(cfg, &fakeSeq{}, &fakeLog{}, &logGroupDeliverer{log: &fakeLog{}})
}

func userToken(n *Node, id uint64) []byte {
	return std.NewTokenStore(n.cfg.Key).Token(id)
}

func authMsg(n *Node, user uint64) *msg.Msg {
	m := msg.New(msg.Auth, user, 0, userToken(n, user))
	m.NodeID = n.cfg.NodeID
	return m
}

func drainIO(n *Node) []ioEvent {
	var events []ioEvent
	for {
		select {
		case ev := <-n.ioq:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestAuthInstallsSession(t *testing.T) {
	n := testNode(t)
	out := &fakeSender{}
	ctx := &pipeline.Context{Out: out}

	reply := n.clientPipe.Dispatch(ctx, authMsg(n, 7))
	if reply == nil || reply.Type != msg.Ack {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if !ctx.Authed || ctx.UserID != 7 {
		t.Fatalf("context not authed: %+v", ctx)
	}
	if s, ok := n.sessions.Get(7); !ok || s != transport.Sender(out) {
		t.Fatalf("session not installed")
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	n := testNode(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}

	bad := msg.New(msg.Auth, 7, 0, []byte("forged"))
	bad.NodeID = 1
	reply := n.clientPipe.Dispatch(ctx, bad)
	if reply == nil || reply.Type != msg.Error {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if !ctx.CloseStream {
		t.Fatalf("bad token did not close the stream")
	}
	if n.sessions.Contains(7) {
		t.Fatalf("session installed despite bad token")
	}
}

func TestAuthRejectsWrongNode(t *testing.T) {
	n := testNode(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}

	m := msg.New(msg.Auth, 7, 0, userToken(n, 7))
	m.NodeID = 99
	reply := n.clientPipe.Dispatch(ctx, m)
	if reply == nil || reply.Type != msg.Error || !ctx.CloseStream {
		t.Fatalf("wrong-node auth accepted: %+v", reply)
	}
}

// A second Auth on the same stream fails and closes it.
func TestAuthReplayClosesStream(t *testing.T) {
	n := testNode(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}

	if reply := n.clientPipe.Dispatch(ctx, authMsg(n, 7)); reply.Type != msg.Ack {
		t.Fatalf("first auth refused")
	}
	reply := n.clientPipe.Dispatch(ctx, authMsg(n, 7))
	if reply == nil || reply.Type != msg.Error {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if !ctx.CloseStream {
		t.Fatalf("auth replay did not close the stream")
	}
}

// The first message on a stream must be Auth.
func TestUnauthedTrafficClosesStream(t *testing.T) {
	n := testNode(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}

	m := msg.New(msg.Text, 10, 11, []byte("yo"))
	m.NodeID = 1
	reply := n.clientPipe.Dispatch(ctx, m)
	if reply == nil || reply.Type != msg.Error || !ctx.CloseStream {
		t.Fatalf("unauthenticated text accepted: %+v", reply)
	}
}

func TestEchoSwapsEndpoints(t *testing.T) {
	n := testNode(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}
	n.clientPipe.Dispatch(ctx, authMsg(n, 7))

	m := msg.New(msg.Echo, 7, 1, []byte("hi"))
	reply := n.clientPipe.Dispatch(ctx, m)
	if reply == nil || reply.Type != msg.Echo {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.Sender != 1 || reply.Receiver != 7 || string(reply.Payload) != "hi" {
		t.Fatalf("echo did not swap endpoints: %+v", reply)
	}
}

func TestLocalDelivery(t *testing.T) {
	n := testNode(t)
	sender := &pipeline.Context{Out: &fakeSender{}}
	n.clientPipe.Dispatch(sender, authMsg(n, 10))
	receiver := &fakeSender{}
	n.sessions.Insert(11, receiver)

	m := msg.New(msg.Text, 10, 11, []byte("yo"))
	m.NodeID = 1
	reply := n.clientPipe.Dispatch(sender, m)

	if reply == nil || reply.Type != msg.Ack {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.Sender != 10 || reply.Receiver != 11 {
		t.Fatalf("ack endpoints %d->%d", reply.Sender, reply.Receiver)
	}
	if reply.NodeID != 1 {
		t.Fatalf("ack node id %d, want 1", reply.NodeID)
	}
	if reply.ClientTimestamp() != m.Timestamp {
		t.Fatalf("ack client timestamp %d, want %d", reply.ClientTimestamp(), m.Timestamp)
	}

	got := receiver.received()
	if len(got) != 1 || string(got[0].Payload) != "yo" {
		t.Fatalf("receiver saw %d messages", len(got))
	}
	events := drainIO(n)
	if len(events) != 1 || events[0].broadcast {
		t.Fatalf("io task saw %d events", len(events))
	}
}

// An envelope owned by another node goes to that peer's outbound queue and
// the originator is acked by this node.
func TestCrossNodeForward(t *testing.T) {
	n := testNode(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}
	n.clientPipe.Dispatch(ctx, authMsg(n, 20))
	peer := &fakeSender{}
	n.cluster.Insert(2, peer)

	m := msg.New(msg.Text, 20, 21, []byte("x"))
	m.NodeID = 2
	reply := n.clientPipe.Dispatch(ctx, m)

	if reply == nil || reply.Type != msg.Ack || reply.NodeID != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	got := peer.received()
	if len(got) != 1 || got[0].Receiver != 21 {
		t.Fatalf("peer queue saw %d messages", len(got))
	}
	if events := drainIO(n); len(events) != 0 {
		t.Fatalf("forwarded envelope also persisted locally")
	}
}

// A missing peer drops the envelope, mutates nothing, and still acks locally.
func TestPeerOfflineDropsButAcks(t *testing.T) {
	n := testNode(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}
	n.clientPipe.Dispatch(ctx, authMsg(n, 30))

	m := msg.New(msg.Text, 30, 31, []byte("x"))
	m.NodeID = 3
	reply := n.clientPipe.Dispatch(ctx, m)

	if reply == nil || reply.Type != msg.Ack || reply.NodeID != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if events := drainIO(n); len(events) != 0 {
		t.Fatalf("dropped envelope left %d io events", len(events))
	}
	if n.cluster.Len() != 0 {
		t.Fatalf("cluster map mutated")
	}
}

func TestGroupMessageGoesToFanout(t *testing.T) {
	n := testNode(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}
	n.clientPipe.Dispatch(ctx, authMsg(n, 40))

	m := msg.New(msg.Text, 40, groupIDFloor+5, []byte("all"))
	m.NodeID = 1
	reply := n.clientPipe.Dispatch(ctx, m)
	if reply == nil || reply.Type != msg.Ack {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	events := drainIO(n)
	if len(events) != 1 || !events[0].broadcast {
		t.Fatalf("group envelope not enqueued for fanout: %+v", events)
	}
}

func TestRemoteInvokeAcksOnly(t *testing.T) {
	n := testNode(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}
	n.clientPipe.Dispatch(ctx, authMsg(n, 50))

	m := msg.New(msg.RemoteInvoke, 50, 51, []byte("call"))
	m.NodeID = 1
	reply := n.clientPipe.Dispatch(ctx, m)
	if reply == nil || reply.Type != msg.Ack {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if events := drainIO(n); len(events) != 0 {
		t.Fatalf("remote invoke produced %d io events", len(events))
	}
}

func clusterAuthMsg(n *Node, id uint32) *msg.Msg {
	info := &msg.ServerInfo{ID: id, ClusterAddress: "127.0.0.1:28910", Status: msg.StatusOnline, Type: msg.NodeMessage}
	payload, _ := info.Marshal()
	m := msg.New(msg.Auth, uint64(id), 0, payload)
	m.NodeID = id
	m.Extension = std.NewTokenStore(n.cfg.Key).Token(uint64(id))
	return m
}

func TestClusterAuthInstallsPeer(t *testing.T) {
	n := testNode(t)
	out := &fakeSender{}
	ctx := &pipeline.Context{Out: out}

	reply := n.clusterPipe.Dispatch(ctx, clusterAuthMsg(n, 2))
	if reply == nil || reply.Type != msg.Ack {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if ctx.PeerNode != 2 {
		t.Fatalf("peer node %d, want 2", ctx.PeerNode)
	}
	if s, ok := n.cluster.Get(2); !ok || s != transport.Sender(out) {
		t.Fatalf("cluster entry not installed")
	}
	if _, err := msg.UnmarshalServerInfo(reply.Payload); err != nil {
		t.Fatalf("ack does not carry our descriptor: %v", err)
	}
}

// A second link from the same peer node is refused.
func TestClusterAuthRejectsDuplicatePeer(t *testing.T) {
	n := testNode(t)
	first := &pipeline.Context{Out: &fakeSender{}}
	if reply := n.clusterPipe.Dispatch(first, clusterAuthMsg(n, 2)); reply.Type != msg.Ack {
		t.Fatalf("first link refused")
	}

	second := &pipeline.Context{Out: &fakeSender{}}
	reply := n.clusterPipe.Dispatch(second, clusterAuthMsg(n, 2))
	if reply == nil || reply.Type != msg.Error {
		t.Fatalf("duplicate link accepted: %+v", reply)
	}
	if !second.CloseStream {
		t.Fatalf("duplicate link did not close the stream")
	}
}

func TestClusterDeliverLandsForwardedEnvelope(t *testing.T) {
	n := testNode(t)
	ctx := &pipeline.Context{Out: &fakeSender{}}
	n.clusterPipe.Dispatch(ctx, clusterAuthMsg(n, 2))

	receiver := &fakeSender{}
	n.sessions.Insert(21, receiver)

	m := msg.New(msg.Text, 20, 21, []byte("hop"))
	m.NodeID = 1
	reply := n.clusterPipe.Dispatch(ctx, m)
	if reply == nil || reply.Type != msg.Ack {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if got := receiver.received(); len(got) != 1 || string(got[0].Payload) != "hop" {
		t.Fatalf("forwarded envelope not delivered")
	}
	if events := drainIO(n); len(events) != 1 {
		t.Fatalf("forwarded envelope not persisted")
	}
}
