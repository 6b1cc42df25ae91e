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
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/imesh-dev/imesh/msg"
	"github.com/imesh-dev/imesh/transport"
)

var dialedPeers struct {
	sync.Mutex
	set map[string]struct{}
}

func init() {
	dialedPeers.set = make(map[string]struct{})
}

func markDialed(addr string) bool {
	dialedPeers.Lock()
	defer dialedPeers.Unlock()
	if _, ok := dialedPeers.set[addr]; ok {
		return false
	}
	dialedPeers.set[addr] = struct{}{}
	return true
}

// ringSuccessors picks the peers this replica dials: the ⌊(N−1)/2⌋ addresses
// after mine in sorted ring order, wrapping around. No pair is dialed from
// both ends, so the mesh carries no duplicate connections. For odd N every
// pair ends up linked; for even N the pairs N/2 apart on the ring are not.
func ringSuccessors(addrs []string, mine string) []string {
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)
	if len(sorted) < 2 {
		return nil
	}
	start := 0
	for i, a := range sorted {
		if a == mine {
			start = i + 1
			break
		}
	}
	num := (len(sorted) - 1) / 2
	out := make([]string, 0, num)
	for i := 0; i < num; i++ {
		addr := sorted[(start+i)%len(sorted)]
		if addr == mine {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// runClusterClient joins the replica ring: dial my successors, introduce
// myself, and consume the registrations they relay.
func (s *Scheduler) runClusterClient(ctx context.Context) error {
	succ := ringSuccessors(s.cfg.ClusterPeers, s.cfg.ClusterAddr)
	if len(succ) == 0 {
		return nil
	}
	// give the other replicas a moment to stand up their listeners
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return nil
	}
	for _, addr := range succ {
		if !markDialed(addr) {
			continue
		}
		if err := s.dialReplica(ctx, addr); err != nil {
			log.Println("cluster: dial replica", addr, "failed:", err)
		}
	}
	return nil
}

func (s *Scheduler) dialReplica(ctx context.Context, addr string) error {
	b := new(transport.ClientConfigBuilder)
	cfg, err := b.
		WithRemoteAddr(addr).
		WithKey(s.cfg.Key).
		WithCrypt(s.cfg.Crypt).
		WithKeepAliveInterval(time.Duration(s.cfg.KeepAlive) * time.Second).
		WithMaxStreams(s.cfg.MaxStreams).
		WithSendQueueDepth(s.cfg.SendQueueDepth).
		WithRecvQueueDepth(s.cfg.RecvQueueDepth).
		WithNoComp(s.cfg.NoComp).
		Build()
	if err != nil {
		return err
	}
	client := transport.NewClientWithDeadline(cfg, 3*time.Second)
	if err := client.Connect(); err != nil {
		return err
	}

	mine, err := s.serverInfo().Marshal()
	if err != nil {
		client.Close("")
		return err
	}
	reg := msg.New(msg.SchedulerNodeRegister, uint64(s.cfg.NodeID), 0, mine)
	reg.NodeID = s.cfg.NodeID
	reg.Extension = s.tokens.Token(uint64(s.cfg.NodeID))
	reply, err := client.Handshake(reg)
	if err != nil {
		client.Close("replica handshake failed")
		return err
	}
	info, err := msg.UnmarshalServerInfo(reply.Payload)
	if err != nil {
		client.Close("replica handshake failed")
		return err
	}
	s.peers.Insert(info.ID, client)
	log.Println("cluster: dialed replica", info.ID, "at", addr)

	go s.replicaInbound(ctx, info.ID, client)
	return nil
}

// replicaInbound lands registrations relayed by a replica we dialed.
func (s *Scheduler) replicaInbound(ctx context.Context, id uint32, client *transport.Client) {
	defer func() {
		if cur, ok := s.peers.Get(id); ok && cur == transport.Sender(client) {
			s.peers.Remove(id)
			log.Println("cluster: replica", id, "link lost")
		}
		client.Close("")
	}()
	for {
		m, ok := client.Recv()
		if !ok {
			return
		}
		switch m.Type {
		case msg.MessageNodeRegister:
			if info, err := msg.UnmarshalServerInfo(m.Payload); err == nil {
				s.registry.RegisterRemote(info)
				s.registry.Broadcast(m, info.ID)
			}
		case msg.MessageNodeUnregister:
			nodeID := uint32(m.Sender)
			s.registry.Unregister(nodeID)
			s.registry.Broadcast(m, nodeID)
		}
	}
}
