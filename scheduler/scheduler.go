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
	"github.com/imesh-dev/imesh/std"
	"github.com/imesh-dev/imesh/transport"
)

// Scheduler is one replica of the placement tier: it tracks node membership,
// answers which-node queries, and gossips registrations to its ring peers.
type Scheduler struct {
	cfg      *Config
	registry *Registry
	tokens   *std.TokenStore
	peers    *cmap.Map[uint32, transport.Sender]
	pipe     *pipeline.Pipeline
}

func newScheduler(cfg *Config) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		registry: NewRegistry(),
		tokens:   std.NewTokenStore(cfg.Key),
		peers:    cmap.NewUint32[transport.Sender](),
	}
	s.pipe = pipeline.New(cfg.NodeID,
		&NodeRegisterHandler{sched: s},
		&NodeUnregisterHandler{sched: s},
		&PeerRegisterHandler{sched: s},
		&WhichNodeHandler{sched: s},
		&PingHandler{sched: s},
	)
	return s
}

// serveStream pumps one inbound stream, whether it belongs to a message node
// or a scheduler replica; the handlers sort out which it is.
func (s *Scheduler) serveStream(st *transport.Stream) {
	ctx := &pipeline.Context{Out: st}
	defer func() {
		st.Close()
		if ctx.SourceNode != 0 {
			// node died without unregistering; drop it and tell the others
			s.registry.Unregister(ctx.SourceNode)
			note := msg.New(msg.MessageNodeUnregister, uint64(ctx.SourceNode), 0, nil)
			note.NodeID = s.cfg.NodeID
			s.registry.Broadcast(note, ctx.SourceNode)
		}
		if ctx.PeerNode != 0 {
			if cur, ok := s.peers.Get(ctx.PeerNode); ok && cur == transport.Sender(st) {
				s.peers.Remove(ctx.PeerNode)
				log.Println("cluster: replica", ctx.PeerNode, "disconnected")
			}
		}
	}()
	for {
		m, err := st.ReadMsg()
		if err != nil {
			if transport.IsFrameError(err) {
				log.Printf("stream %d: %v", st.ID(), err)
			}
			return
		}
		reply := s.pipe.Dispatch(ctx, m)
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

// relayToPeers forwards a registration envelope to every connected replica.
func (s *Scheduler) relayToPeers(m *msg.Msg) {
	s.peers.Range(func(id uint32, peer transport.Sender) bool {
		if err := peer.Send(m); err != nil {
			log.Println("cluster: relay to replica", id, "failed:", err)
		}
		return true
	})
}

func (s *Scheduler) serverInfo() *msg.ServerInfo {
	return &msg.ServerInfo{
		ID:      s.cfg.NodeID,
		Address: s.cfg.ClusterAddr,
		Status:  msg.StatusOnline,
		Type:    msg.NodeSchedulerCluster,
	}
}
