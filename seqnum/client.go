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

package seqnum

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"

	"github.com/imesh-dev/imesh/std"
)

// The wire exchange is deliberately thin: a request is the 16-byte key, the
// response the 8-byte big-endian value. No envelope head, no correlation —
// each stream carries one request at a time and the pool serializes use.

// Client issues sequence numbers from a remote seqnum node over one
// connection and a small pool of streams.
type Client struct {
	sess      *smux.Session
	streams   chan *smux.Stream
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the seqnum node and opens poolSize request streams.
func Dial(addr, key, crypt string, poolSize int) (*Client, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	block, _ := std.SelectBlockCrypt(crypt, std.DeriveKey(key))
	conn, err := kcp.DialWithOptions(addr, block, 0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "seqnum: dial")
	}
	conn.SetStreamMode(true)
	conn.SetNoDelay(1, 20, 2, 1)
	smuxCfg, err := std.BuildSmuxConfig(10*time.Second, 0)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sess, err := smux.Client(conn, smuxCfg)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "seqnum: mux handshake")
	}
	c := &Client{
		sess:    sess,
		streams: make(chan *smux.Stream, poolSize),
		done:    make(chan struct{}),
	}
	for i := 0; i < poolSize; i++ {
		st, err := sess.OpenStream()
		if err != nil {
			c.Close()
			return nil, errors.Wrap(err, "seqnum: open stream")
		}
		c.streams <- st
	}
	return c, nil
}

// Next fetches the next value for key. The taken stream returns to the pool
// on success; on an I/O error it is replaced with a fresh one when possible.
func (c *Client) Next(key Key) (uint64, error) {
	var st *smux.Stream
	select {
	case st = <-c.streams:
	case <-c.done:
		return 0, ErrClosed
	}
	if st == nil {
		// a previous failure emptied this slot; try to refill it
		fresh, err := c.sess.OpenStream()
		if err != nil {
			c.streams <- nil
			return 0, errors.Wrap(err, "seqnum: reopen stream")
		}
		st = fresh
	}

	val, err := c.roundTrip(st, key)
	if err != nil {
		st.Close()
		if fresh, openErr := c.sess.OpenStream(); openErr == nil {
			c.streams <- fresh
		} else {
			c.streams <- nil
		}
		return 0, err
	}
	c.streams <- st
	return val, nil
}

func (c *Client) roundTrip(st *smux.Stream, key Key) (uint64, error) {
	if _, err := st.Write(key[:]); err != nil {
		return 0, errors.Wrap(err, "seqnum: write request")
	}
	var resp [8]byte
	if _, err := io.ReadFull(st, resp[:]); err != nil {
		return 0, errors.Wrap(err, "seqnum: read response")
	}
	val := binary.BigEndian.Uint64(resp[:])
	if val == 0 {
		return 0, ErrJournal
	}
	return val, nil
}

// Close tears down the connection and the stream pool.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sess.Close()
	})
}
