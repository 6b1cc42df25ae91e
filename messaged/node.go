// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"log"

	"github.com/imesh-dev/imesh/cmap"
	"github.com/imesh-dev/imesh/msg"
	"github.com/imesh-dev/imesh/pipeline"
	"github.com/imesh-dev/imesh/seqnum"
	"github.com/imesh-dev/imesh/std"
	"github.com/imesh-dev/imesh/transport"
)

// Group ids live in their own slice of the id space; anything at or above the
// floor is fanned out by the group subsystem instead of point-to-point.
const groupIDFloor = 1 << 46

func isGroupID(id uint64) bool { return id >= groupIDFloor }

// seqIssuer is the slice of the seqnum client the I/O task needs.
type seqIssuer interface {
	Next(key seqnum.Key) (uint64, error)
}

// Node is the per-process scope: the session map, the cluster map, the I/O
// queue, the seqnum client, and the token store. Handlers get
// views into this state and nothing else.
type Node struct {
	cfg *Config

	sessions *cmap.Map[uint64, transport.Sender]
	cluster  *cmap.Map[uint32, transport.Sender]

	ioq    chan ioEvent
	seq    seqIssuer
	tokens *std.TokenStore
	mlog   MessageLog
	groups GroupDeliverer

	clientPipe  *pipeline.Pipeline
	clusterPipe *pipeline.Pipeline
}

func newNode(cfg *Config, seq seqIssuer, mlog MessageLog, groups GroupDeliverer) *Node {
	n := &Node{
		cfg:      cfg,
		sessions: cmap.NewUint64[transport.Sender](),
		cluster:  cmap.NewUint32[transport.Sender](),
		ioq:      make(chan ioEvent, cfg.TaskQueueDepth),
		seq:      seq,
		tokens:   std.NewTokenStore(cfg.Key),
		mlog:     mlog,
		groups:   groups,
	}
	n.clientPipe = pipeline.New(cfg.NodeID,
		&AuthHandler{node: n},
		&EchoHandler{node: n},
		&PingHandler{node: n},
		&TextHandler{node: n},
		&BusinessHandler{node: n},
	)
	n.clusterPipe = pipeline.New(cfg.NodeID,
		&ClusterAuthHandler{node: n},
		&PingHandler{node: n},
		&ClusterTextHandler{node: n},
	)
	return n
}

// serveClientStream pumps one public stream: read, dispatch, write the reply
// on the same stream. The session-map entry dies with the stream.
func (n *Node) serveClientStream(st *transport.Stream) {
	if !n.cfg.Quiet {
		log.Println("stream opened", "in:", st.RemoteAddr(), "(", st.ID(), ")")
	}
	ctx := &pipeline.Context{}
	defer func() {
		if !n.cfg.Quiet {
			log.Println("stream closed", "in:", st.RemoteAddr(), "(", st.ID(), ")")
		}
		st.Close()
		if ctx.Authed {
			// only this stream's entry; a newer login may own the slot
			if cur, ok := n.sessions.Get(ctx.UserID); ok && cur == transport.Sender(st) {
				n.sessions.Remove(ctx.UserID)
			}
		}
	}()
	n.serveStream(st, n.clientPipe, ctx)
}

// serveClusterStream is serveClientStream for the inter-node listener.
func (n *Node) serveClusterStream(st *transport.Stream) {
	ctx := &pipeline.Context{}
	defer func() {
		st.Close()
		if ctx.PeerNode != 0 {
			if cur, ok := n.cluster.Get(ctx.PeerNode); ok && cur == transport.Sender(st) {
				n.cluster.Remove(ctx.PeerNode)
				log.Println("cluster: peer", ctx.PeerNode, "disconnected")
			}
		}
	}()
	n.serveStream(st, n.clusterPipe, ctx)
}

func (n *Node) serveStream(st *transport.Stream, pipe *pipeline.Pipeline, ctx *pipeline.Context) {
	ctx.Out = st
	for {
		m, err := st.ReadMsg()
		if err != nil {
			if transport.IsFrameError(err) {
				log.Printf("stream %d: %v", st.ID(), err)
			}
			return
		}
		reply := pipe.Dispatch(ctx, m)
		if reply != nil && reply.Type != msg.Noop {
			if err := st.Send(reply); err != nil {
				return
			}
		}
		if ctx.CloseStream {
			return
		}
	}
}

// deliverLocal hands m to the hosted session of its receiver. A miss is not
// an error: the session may have just migrated, and persistence still records
// the envelope.
func (n *Node) deliverLocal(m *msg.Msg) {
	s, ok := n.sessions.Get(m.Receiver)
	if !ok {
		log.Println("deliver: receiver", m.Receiver, "not found")
		return
	}
	if err := s.Send(m); err != nil {
		log.Println("deliver: session of", m.Receiver, "gone:", err)
		return
	}
	msgDelivered.Inc()
}

// routeUserMsg implements the shared Text/Business routing: group fanout,
// local delivery plus persistence, or a hop across the cluster mesh. The
// returned ack acknowledges receipt by the network, not end-to-end delivery.
func (n *Node) routeUserMsg(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	switch {
	case isGroupID(m.Receiver):
		if err := n.enqueueIO(ioEvent{broadcast: true, msg: m}); err != nil {
			return nil, err
		}
	case m.NodeID == n.cfg.NodeID:
		n.deliverLocal(m)
		if err := n.enqueueIO(ioEvent{msg: m}); err != nil {
			return nil, err
		}
	default:
		if peer, ok := n.cluster.Get(m.NodeID); ok {
			if err := peer.Send(m); err != nil {
				log.Println("cluster: forward to", m.NodeID, "failed:", err)
			} else {
				msgForwarded.Inc()
			}
		} else {
			log.Println("cluster: peer", m.NodeID, "offline, dropping message from", m.Sender)
			msgPeerOffline.Inc()
		}
	}
	return m.GenerateAck(n.cfg.NodeID, ctx.ClientTimestamp), nil
}

// clusterDeliver handles an envelope a peer forwarded to us: it is for one of
// our sessions, so deliver and persist, never forward again.
func (n *Node) clusterDeliver(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if m.NodeID != n.cfg.NodeID {
		log.Println("cluster: misrouted envelope for node", m.NodeID)
		return m.GenerateErrorAck(n.cfg.NodeID, ctx.ClientTimestamp, "MISROUTED"), nil
	}
	n.deliverLocal(m)
	if err := n.enqueueIO(ioEvent{msg: m}); err != nil {
		return nil, err
	}
	return m.GenerateAck(n.cfg.NodeID, ctx.ClientTimestamp), nil
}

func (n *Node) serverInfo() *msg.ServerInfo {
	return &msg.ServerInfo{
		ID:             n.cfg.NodeID,
		Address:        n.cfg.PublicAddr,
		ClusterAddress: n.cfg.ClusterAddr,
		Status:         msg.StatusOnline,
		Type:           msg.NodeMessage,
		Load:           &msg.NodeLoad{Sessions: n.sessions.Len()},
	}
}
