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
	"time"

	"github.com/pkg/errors"

	"github.com/imesh-dev/imesh/msg"
	"github.com/imesh-dev/imesh/transport"
)

// schedulerReplyDeadline bounds how long a registration or keep-alive may go
// unanswered before the balancer client reports it.
const schedulerReplyDeadline = 3 * time.Second

// runBalancer announces this node to the scheduler, keeps the control channel
// alive, reacts to membership broadcasts, and unregisters on shutdown.
func (n *Node) runBalancer(ctx context.Context) error {
	b := new(transport.ClientConfigBuilder)
	cfg, err := b.
		WithRemoteAddr(n.cfg.SchedulerAddr).
		WithKey(n.cfg.Key).
		WithCrypt(n.cfg.Crypt).
		WithKeepAliveInterval(time.Duration(n.cfg.KeepAlive) * time.Second).
		WithMaxStreams(n.cfg.MaxStreams).
		WithSendQueueDepth(n.cfg.SendQueueDepth).
		WithRecvQueueDepth(n.cfg.RecvQueueDepth).
		WithNoComp(n.cfg.NoComp).
		Build()
	if err != nil {
		return err
	}
	client := transport.NewClientWithDeadline(cfg, schedulerReplyDeadline)
	if err := client.Connect(); err != nil {
		return errors.Wrap(err, "balancer: connect")
	}
	defer client.Close("balancer shutdown")

	payload, err := n.serverInfo().Marshal()
	if err != nil {
		return err
	}
	reg := msg.New(msg.MessageNodeRegister, uint64(n.cfg.NodeID), 0, payload)
	reg.NodeID = n.cfg.NodeID
	reg.Extension = n.tokens.Token(uint64(n.cfg.NodeID))
	reply, err := client.Handshake(reg)
	if err != nil {
		return errors.Wrap(err, "balancer: register")
	}
	if reply.Type != msg.Ack {
		return errors.Errorf("balancer: registration refused: type %d", reply.Type)
	}
	log.Println("balancer: registered with scheduler", n.cfg.SchedulerAddr)

	sendQ, recvQ, timeoutQ := client.IOChannelWithDeadline()
	ticker := time.NewTicker(time.Duration(n.cfg.KeepAlive) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			unreg := msg.New(msg.MessageNodeUnregister, uint64(n.cfg.NodeID), 0, payload)
			unreg.NodeID = n.cfg.NodeID
			unreg.Extension = n.tokens.Token(uint64(n.cfg.NodeID))
			select {
			case sendQ <- unreg:
			case <-time.After(time.Second):
				log.Println("balancer: unregister not flushed")
			}
			return nil
		case <-ticker.C:
			select {
			case sendQ <- msg.NewPing(uint64(n.cfg.NodeID), 0, n.cfg.NodeID):
			default:
				log.Println("balancer: send queue full, skipping keep-alive")
			}
		case m := <-recvQ:
			switch m.Type {
			case msg.MessageNodeRegister:
				if info, err := msg.UnmarshalServerInfo(m.Payload); err == nil {
					n.handleNodeRegister(info)
				}
			case msg.MessageNodeUnregister:
				if info, err := msg.UnmarshalServerInfo(m.Payload); err == nil {
					n.handleNodeUnregister(info)
				}
			case msg.Pong, msg.Ack:
				// keep-alive answered
			}
		case m := <-timeoutQ:
			log.Println("balancer: no scheduler reply for type", m.Type, "within", schedulerReplyDeadline)
		}
	}
}
