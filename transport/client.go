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

// Package transport frames message envelopes over an encrypted, multiplexed
// peer connection: one KCP conversation per remote, many smux streams on it,
// a pump per stream shuttling envelopes between the wire and bounded queues.
package transport

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/smux"

	"github.com/imesh-dev/imesh/msg"
	"github.com/imesh-dev/imesh/std"
)

// Client owns at most one live connection to a remote peer. Concurrent
// requests ride additional streams on the same connection, never additional
// connections.
type Client struct {
	cfg ClientConfig

	mu      sync.Mutex
	sess    *smux.Session
	streams atomic.Int32

	sendQ    chan *msg.Msg
	recvQ    chan *msg.Msg
	timeoutQ chan *msg.Msg
	wheel    *timingWheel

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient builds a client; Connect establishes the connection.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:   cfg,
		sendQ: make(chan *msg.Msg, cfg.SendQueueDepth),
		recvQ: make(chan *msg.Msg, cfg.RecvQueueDepth),
		done:  make(chan struct{}),
	}
}

// NewClientWithDeadline additionally tracks a reply deadline per sent
// envelope: a send that sees no matching ack within timeout is reported on
// the timeout channel. Expiry is reporting, not cancellation.
func NewClientWithDeadline(cfg ClientConfig, timeout time.Duration) *Client {
	c := NewClient(cfg)
	c.timeoutQ = make(chan *msg.Msg, cfg.RecvQueueDepth)
	c.wheel = newTimingWheel(timeout, c.timeoutQ)
	return c
}

// Connect dials the remote once. A live connection is reused; concurrent
// requests should open streams instead.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil && !c.sess.IsClosed() {
		return nil
	}

	block, _ := std.SelectBlockCrypt(c.cfg.Crypt, std.DeriveKey(c.cfg.Key))
	conn, err := dialKCP(c.cfg.RemoteAddr, block, c.cfg.DataShard, c.cfg.ParityShard)
	if err != nil {
		return errors.Wrap(err, "transport: dial")
	}

	var rwc net.Conn = conn
	if !c.cfg.NoComp {
		rwc = std.NewCompStream(conn)
	}
	smuxCfg, err := std.BuildSmuxConfig(c.cfg.KeepAliveInterval, c.cfg.IdleTimeout)
	if err != nil {
		conn.Close()
		return err
	}
	sess, err := smux.Client(rwc, smuxCfg)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "transport: mux handshake")
	}
	c.sess = sess
	return nil
}

// OpenStream opens one bidirectional stream and spawns its pump. The returned
// id is stable for the stream's lifetime.
func (c *Client) OpenStream() (uint32, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil || sess.IsClosed() {
		return 0, ErrNotConnected
	}
	if c.streams.Add(1) > int32(c.cfg.MaxStreams) {
		c.streams.Add(-1)
		return 0, errors.Errorf("transport: stream limit %d reached", c.cfg.MaxStreams)
	}
	st, err := sess.OpenStream()
	if err != nil {
		c.streams.Add(-1)
		return 0, errors.Wrap(err, "transport: open stream")
	}
	go c.pumpRead(st)
	go c.pumpWrite(st)
	return st.ID(), nil
}

// IOChannel exposes the bounded envelope queues shared by every stream of
// this connection. Producers block when the send queue is full.
func (c *Client) IOChannel() (chan<- *msg.Msg, <-chan *msg.Msg) {
	return c.sendQ, c.recvQ
}

// IOChannelWithDeadline is IOChannel plus the deadline-report channel. Only
// clients built with NewClientWithDeadline have one.
func (c *Client) IOChannelWithDeadline() (chan<- *msg.Msg, <-chan *msg.Msg, <-chan *msg.Msg) {
	return c.sendQ, c.recvQ, c.timeoutQ
}

// Send enqueues m for the connection's streams, blocking while the queue is
// full. ErrQueueClosed once the client is closed.
func (c *Client) Send(m *msg.Msg) error {
	select {
	case c.sendQ <- m:
		return nil
	case <-c.done:
		return ErrQueueClosed
	}
}

// Recv receives the next inbound envelope.
func (c *Client) Recv() (*msg.Msg, bool) {
	select {
	case m := <-c.recvQ:
		return m, true
	case <-c.done:
		return nil, false
	}
}

// Handshake opens the first stream and runs one request/response exchange on
// it, typically an Auth. It must be called before other traffic is started on
// the connection.
func (c *Client) Handshake(auth *msg.Msg) (*msg.Msg, error) {
	if _, err := c.OpenStream(); err != nil {
		return nil, err
	}
	if err := c.Send(auth); err != nil {
		return nil, err
	}
	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	select {
	case reply := <-c.recvQ:
		return reply, nil
	case <-timer.C:
		return nil, errors.New("transport: handshake timed out")
	case <-c.done:
		return nil, ErrQueueClosed
	}
}

// Close tears down the connection and every stream pump.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		if reason != "" {
			log.Println("transport: closing connection:", reason)
		}
		close(c.done)
		if c.wheel != nil {
			c.wheel.stop()
		}
		c.mu.Lock()
		if c.sess != nil {
			c.sess.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Client) pumpRead(st *smux.Stream) {
	fb := new(frameBuffers)
	for {
		m, err := readMsg(st, fb)
		if err != nil {
			st.Close()
			return
		}
		if c.wheel != nil && (m.Type == msg.Ack || m.Type == msg.Error) {
			c.wheel.cancel(correlationID(m.Sender, m.Receiver, m.ClientTimestamp()))
		}
		select {
		case c.recvQ <- m:
		case <-c.done:
			st.Close()
			return
		}
	}
}

func (c *Client) pumpWrite(st *smux.Stream) {
	defer c.streams.Add(-1)
	for {
		select {
		case <-c.done:
			c.drain(st)
			st.Close()
			return
		case m, ok := <-c.sendQ:
			if !ok {
				st.Close()
				return
			}
			if c.wheel != nil && expectsReply(m.Type) {
				c.wheel.add(correlationID(m.Sender, m.Receiver, m.Timestamp), m)
			}
			if err := writeMsg(st, m); err != nil {
				st.Close()
				return
			}
		}
	}
}

// drain flushes whatever is still queued, best effort, before a pump exits.
func (c *Client) drain(st *smux.Stream) {
	for {
		select {
		case m := <-c.sendQ:
			if err := writeMsg(st, m); err != nil {
				return
			}
		default:
			return
		}
	}
}

// expectsReply reports whether the protocol acks envelopes of type t, which
// is what arms the reply deadline. Pings are keep-alives, not requests; their
// pongs carry no correlation.
func expectsReply(t msg.Type) bool {
	switch t {
	case msg.Noop, msg.Ack, msg.Error, msg.Ping, msg.Pong:
		return false
	}
	return true
}
