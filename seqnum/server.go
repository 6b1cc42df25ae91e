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
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"

	"github.com/imesh-dev/imesh/std"
)

// Server exposes a Store over the thin key→value wire exchange.
type Server struct {
	store *Store
	block kcp.BlockCrypt

	mu        sync.Mutex
	lis       *kcp.Listener
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer wraps store for network service.
func NewServer(store *Store, key, crypt string) *Server {
	block, _ := std.SelectBlockCrypt(crypt, std.DeriveKey(key))
	return &Server{store: store, block: block, done: make(chan struct{})}
}

// ListenAndServe accepts seqnum clients until Close.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := kcp.ListenWithOptions(addr, s.block, 0, 0)
	if err != nil {
		return errors.Wrap(err, "seqnum: listen")
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	log.Printf("seqnum: listening on %v/udp", addr)

	for {
		conn, err := lis.AcceptKCP()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return errors.Wrap(err, "seqnum: accept")
			}
		}
		conn.SetStreamMode(true)
		conn.SetNoDelay(1, 20, 2, 1)
		go s.serveConn(conn)
	}
}

// Addr returns the listener address, useful with ephemeral ports.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Close stops the listener; in-flight streams finish their current request.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.lis != nil {
			s.lis.Close()
		}
		s.mu.Unlock()
	})
}

func (s *Server) serveConn(conn net.Conn) {
	smuxCfg, err := std.BuildSmuxConfig(10*time.Second, 0)
	if err != nil {
		conn.Close()
		return
	}
	sess, err := smux.Server(conn, smuxCfg)
	if err != nil {
		log.Printf("seqnum: mux handshake with %v: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	defer sess.Close()
	for {
		st, err := sess.AcceptStream()
		if err != nil {
			return
		}
		go s.serveStream(st)
	}
}

// serveStream answers one request at a time: 16-byte key in, 8-byte value
// out. A zero value tells the client the shard fail-stopped.
func (s *Server) serveStream(st *smux.Stream) {
	defer st.Close()
	var key Key
	var resp [8]byte
	for {
		if _, err := io.ReadFull(st, key[:]); err != nil {
			return
		}
		val, err := s.store.Next(key)
		if err != nil {
			log.Printf("seqnum: next: %v", err)
			val = 0
		}
		binary.BigEndian.PutUint64(resp[:], val)
		if _, err := st.Write(resp[:]); err != nil {
			return
		}
	}
}
