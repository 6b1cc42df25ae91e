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

	"github.com/pkg/errors"

	"github.com/imesh-dev/imesh/msg"
	"github.com/imesh-dev/imesh/pipeline"
	"github.com/imesh-dev/imesh/transport"
)

// AuthHandler gates the stream: the first envelope must be a valid Auth. It
// also rejects everything on an unauthenticated stream and a replayed Auth on
// an authenticated one.
type AuthHandler struct {
	node *Node
}

func (h *AuthHandler) Run(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if m.Type != msg.Auth {
		if !ctx.Authed {
			return nil, pipeline.ErrAuthFailed
		}
		return nil, pipeline.ErrNotMine
	}
	if ctx.Authed {
		// an authed stream re-sending Auth is a protocol violation
		return nil, pipeline.ErrAuthFailed
	}
	if m.NodeID != h.node.cfg.NodeID {
		return nil, pipeline.ErrAuthFailed
	}
	if !h.node.tokens.Validate(m.Sender, m.Payload) {
		return nil, pipeline.ErrAuthFailed
	}
	ctx.Authed = true
	ctx.UserID = m.Sender
	h.node.sessions.Insert(m.Sender, ctx.Out)
	return m.GenerateAck(h.node.cfg.NodeID, ctx.ClientTimestamp), nil
}

// EchoHandler answers health checks with the same payload, endpoints swapped.
type EchoHandler struct {
	node *Node
}

func (h *EchoHandler) Run(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if m.Type != msg.Echo {
		return nil, pipeline.ErrNotMine
	}
	reply := msg.New(msg.Echo, m.Receiver, m.Sender, m.Payload)
	reply.Seqnum = m.Seqnum
	reply.NodeID = h.node.cfg.NodeID
	return reply, nil
}

// PingHandler keeps channels warm.
type PingHandler struct {
	node *Node
}

func (h *PingHandler) Run(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if m.Type != msg.Ping {
		return nil, pipeline.ErrNotMine
	}
	return m.NewPong(h.node.cfg.NodeID), nil
}

// TextHandler routes user text: group fanout, local delivery with
// persistence, or a hop over the cluster mesh.
type TextHandler struct {
	node *Node
}

func (h *TextHandler) Run(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if !m.Type.IsUserText() {
		return nil, pipeline.ErrNotMine
	}
	return h.node.routeUserMsg(ctx, m)
}

// BusinessHandler routes the business types the same way text flows, except
// RemoteInvoke whose side effect lives in the API tier; it is acked only.
type BusinessHandler struct {
	node *Node
}

func (h *BusinessHandler) Run(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if !m.Type.IsBusiness() {
		return nil, pipeline.ErrNotMine
	}
	if m.Type == msg.RemoteInvoke {
		return m.GenerateAck(h.node.cfg.NodeID, ctx.ClientTimestamp), nil
	}
	return h.node.routeUserMsg(ctx, m)
}

// ClusterAuthHandler authenticates a peer message node on the cluster
// listener and installs its outbound queue in the cluster map. One live link
// per peer: a second one is refused.
type ClusterAuthHandler struct {
	node *Node
}

func (h *ClusterAuthHandler) Run(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if m.Type != msg.Auth {
		if ctx.PeerNode == 0 {
			return nil, pipeline.ErrAuthFailed
		}
		return nil, pipeline.ErrNotMine
	}
	if ctx.PeerNode != 0 {
		return nil, pipeline.ErrAuthFailed
	}
	info, err := msg.UnmarshalServerInfo(m.Payload)
	if err != nil {
		return nil, pipeline.ErrAuthFailed
	}
	if !h.node.tokens.Validate(uint64(info.ID), m.Extension) {
		return nil, pipeline.ErrAuthFailed
	}
	if !h.node.cluster.InsertIfAbsent(info.ID, ctx.Out) {
		ctx.CloseStream = true
		return nil, errors.Wrapf(transport.ErrDuplicatePeer, "node %d", info.ID)
	}
	ctx.PeerNode = info.ID
	log.Println("cluster: peer", info.ID, "connected from", info.ClusterAddress)

	ack := m.GenerateAck(h.node.cfg.NodeID, ctx.ClientTimestamp)
	if mine, err := h.node.serverInfo().Marshal(); err == nil {
		ack.Payload = mine
	}
	return ack, nil
}

// ClusterTextHandler lands envelopes peers forwarded to our sessions.
type ClusterTextHandler struct {
	node *Node
}

func (h *ClusterTextHandler) Run(ctx *pipeline.Context, m *msg.Msg) (*msg.Msg, error) {
	if !m.Type.IsUserText() && !m.Type.IsBusiness() {
		return nil, pipeline.ErrNotMine
	}
	if ctx.PeerNode == 0 {
		return nil, pipeline.ErrAuthFailed
	}
	return h.node.clusterDeliver(ctx, m)
}
