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
	"time"

	"github.com/imesh-dev/imesh/msg"
	"github.com/imesh-dev/imesh/transport"
)

// handleNodeRegister reacts to a scheduler broadcast about a (re)appearing
// node. The numerically lower id dials so both sides never race a pair of
// connections into existence; the higher id waits for the inbound link.
func (n *Node) handleNodeRegister(info *msg.ServerInfo) {
	if info.ID == n.cfg.NodeID || info.Type != msg.NodeMessage {
		return
	}
	if n.cfg.NodeID < info.ID {
		go n.dialPeer(info)
	}
}

// handleNodeUnregister drops the mesh entry for a departed node.
func (n *Node) handleNodeUnregister(info *msg.ServerInfo) {
	if s, ok := n.cluster.Remove(info.ID); ok {
		log.Println("cluster: peer", info.ID, "unregistered")
		switch link := s.(type) {
		case *transport.Client:
			link.Close("peer unregistered")
		case *transport.Stream:
			link.Close()
		}
	}
}

// dialPeer establishes the single outbound link to a peer node's cluster
// listener and authenticates as a cluster participant.
func (n *Node) dialPeer(info *msg.ServerInfo) {
	if n.cluster.Contains(info.ID) {
		return
	}
	b := new(transport.ClientConfigBuilder)
	cfg, err := b.
		WithRemoteAddr(info.ClusterAddress).
		WithKey(n.cfg.Key).
		WithCrypt(n.cfg.Crypt).
		WithKeepAliveInterval(time.Duration(n.cfg.KeepAlive) * time.Second).
		WithMaxStreams(n.cfg.MaxStreams).
		WithSendQueueDepth(n.cfg.SendQueueDepth).
		WithRecvQueueDepth(n.cfg.RecvQueueDepth).
		WithFEC(n.cfg.DataShard, n.cfg.ParityShard).
		WithNoComp(n.cfg.NoComp).
		Build()
	if err != nil {
		log.Println("cluster: dial config:", err)
		return
	}
	client := transport.NewClient(cfg)
	if err := client.Connect(); err != nil {
		log.Println("cluster: dial", info.ID, "at", info.ClusterAddress, "failed:", err)
		return
	}

	mine, err := n.serverInfo().Marshal()
	if err != nil {
		client.Close("cluster handshake aborted")
		return
	}
	auth := msg.New(msg.Auth, uint64(n.cfg.NodeID), uint64(info.ID), mine)
	auth.NodeID = n.cfg.NodeID
	auth.Extension = n.tokens.Token(uint64(n.cfg.NodeID))
	reply, err := client.Handshake(auth)
	if err != nil || reply.Type != msg.Ack {
		log.Println("cluster: auth with", info.ID, "failed")
		client.Close("cluster auth failed")
		return
	}
	if !n.cluster.InsertIfAbsent(info.ID, client) {
		client.Close("duplicate cluster link")
		return
	}
	log.Println("cluster: dialed peer", info.ID, "at", info.ClusterAddress)
	go n.clusterInbound(info.ID, client)
}

// clusterInbound lands envelopes the peer pushes back over the link we
// dialed; its exit removes the mesh entry.
func (n *Node) clusterInbound(id uint32, client *transport.Client) {
	defer func() {
		if cur, ok := n.cluster.Get(id); ok && cur == transport.Sender(client) {
			n.cluster.Remove(id)
			log.Println("cluster: peer", id, "link lost")
		}
		client.Close("")
	}()
	for {
		m, ok := client.Recv()
		if !ok {
			return
		}
		if (m.Type.IsUserText() || m.Type.IsBusiness()) && m.NodeID == n.cfg.NodeID {
			n.deliverLocal(m)
			if err := n.enqueueIO(ioEvent{msg: m}); err != nil {
				return
			}
		}
	}
}
