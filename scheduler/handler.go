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
	"encoding/binary"
	"log"

	"github.com/imesh-dev/imesh/msg"
	"github.com/imesh-dev/imesh/pipeline"
)

// NodeRegisterHandler records a message node, tells every other node about
// it, and relays the registration to the scheduler replicas when it arrived
// directly rather than by relay.
type NodeRegisterHandler struct {
	sched *Scheduler
}

func (h *NodeRegisterHandler) Run(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if m.Type != msg.MessageNodeRegister {
		return nil, pipeline.ErrNotMine
	}
	if !h.sched.tokens.Validate(m.Sender, m.Extension) {
		return nil, pipeline.ErrAuthFailed
	}
	info, err := msg.UnmarshalServerInfo(m.Payload)
	if err != nil {
		return nil, err
	}

	relayed := ctx.PeerNode != 0
	if relayed {
		h.sched.registry.RegisterRemote(info)
	} else {
		ctx.SourceNode = info.ID
		h.sched.registry.Register(info, ctx.Out)
		h.sched.relayToPeers(m)
	}
	h.sched.registry.Broadcast(m, info.ID)

	ack := m.GenerateAck(h.sched.cfg.NodeID, ctx.ClientTimestamp)
	if mine, err := h.sched.serverInfo().Marshal(); err == nil {
		ack.Payload = mine
	}
	return ack, nil
}

// NodeUnregisterHandler drops a departing node and tells everyone else.
type NodeUnregisterHandler struct {
	sched *Scheduler
}

func (h *NodeUnregisterHandler) Run(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if m.Type != msg.MessageNodeUnregister {
		return nil, pipeline.ErrNotMine
	}
	if !h.sched.tokens.Validate(m.Sender, m.Extension) {
		return nil, pipeline.ErrAuthFailed
	}
	id := uint32(m.Sender)
	h.sched.registry.Unregister(id)
	if ctx.PeerNode == 0 {
		h.sched.relayToPeers(m)
	}
	if ctx.SourceNode == id {
		ctx.SourceNode = 0
	}
	h.sched.registry.Broadcast(m, id)
	return nil, nil
}

// PeerRegisterHandler admits a scheduler replica on its inbound link.
type PeerRegisterHandler struct {
	sched *Scheduler
}

func (h *PeerRegisterHandler) Run(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if m.Type != msg.SchedulerNodeRegister {
		return nil, pipeline.ErrNotMine
	}
	info, err := msg.UnmarshalServerInfo(m.Payload)
	if err != nil {
		return nil, err
	}
	if !h.sched.tokens.Validate(uint64(info.ID), m.Extension) {
		return nil, pipeline.ErrAuthFailed
	}
	ctx.PeerNode = info.ID
	h.sched.peers.Insert(info.ID, ctx.Out)
	log.Println("cluster: replica", info.ID, "connected from", info.Address)

	ack := m.GenerateAck(h.sched.cfg.NodeID, ctx.ClientTimestamp)
	if mine, err := h.sched.serverInfo().Marshal(); err == nil {
		ack.Payload = mine
	}
	return ack, nil
}

// WhichNodeHandler answers in-band placement lookups; the REST surface wraps
// the same registry call.
type WhichNodeHandler struct {
	sched *Scheduler
}

func (h *WhichNodeHandler) Run(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if m.Type != msg.WhichNode {
		return nil, pipeline.ErrNotMine
	}
	if len(m.Payload) < 8 {
		return m.GenerateErrorAck(h.sched.cfg.NodeID, ctx.ClientTimestamp, "BAD_QUERY"), nil
	}
	user := binary.BigEndian.Uint64(m.Payload[:8])
	info, ok := h.sched.registry.WhichNode(user)
	if !ok {
		return m.GenerateErrorAck(h.sched.cfg.NodeID, ctx.ClientTimestamp, "NO_NODE"), nil
	}
	ack := m.GenerateAck(h.sched.cfg.NodeID, ctx.ClientTimestamp)
	payload, err := info.Marshal()
	if err != nil {
		return nil, err
	}
	ack.Payload = payload
	return ack, nil
}

// PingHandler keeps node control channels warm.
type PingHandler struct {
	sched *Scheduler
}

func (h *PingHandler) Run(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if m.Type != msg.Ping {
		return nil, pipeline.ErrNotMine
	}
	return m.NewPong(h.sched.cfg.NodeID), nil
}
