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

package transport

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"

	"github.com/imesh-dev/imesh/msg"
	"github.com/imesh-dev/imesh/std"
)

// StreamHandler serves one accepted stream; it runs in its own goroutine and
// owns the stream until it returns.
type StreamHandler func(st *Stream)

// Server accepts peer connections up to MaxConnections, refuses a second
// connection from an address that already has a live one, and closes
// connections that carry no envelopes for IdleTimeout.
type Server struct {
	cfg   ServerConfig
	block kcp.BlockCrypt

	mu        sync.Mutex
	listeners []*kcp.Listener
	peers     map[string]*peerConn
	conns     int

	done      chan struct{}
	closeOnce sync.Once
}

type peerConn struct {
	sess       *smux.Session
	remote     string
	lastActive atomic.Int64
}

func (pc *peerConn) touch() { pc.lastActive.Store(time.Now().UnixNano()) }

func (pc *peerConn) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - pc.lastActive.Load())
}

// NewServer derives the transport key and prepares the listener state.
func NewServer(cfg ServerConfig) *Server {
	block, effective := std.SelectBlockCrypt(cfg.Crypt, std.DeriveKey(cfg.Key))
	if effective != cfg.Crypt {
		log.Println("transport: falling back to cipher", effective)
	}
	return &Server{
		cfg:   cfg,
		block: block,
		peers: make(map[string]*peerConn),
		done:  make(chan struct{}),
	}
}

// ListenAndServe stands up one KCP listener per configured port and blocks
// until Close or a listener setup failure.
func (s *Server) ListenAndServe(handle StreamHandler) error {
	mp, err := std.ParseMultiPort(s.cfg.Listen)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for port := mp.MinPort; port <= mp.MaxPort; port++ {
		addr := fmt.Sprintf("%v:%v", mp.Host, port)
		lis, err := listen(addr, s.block, &s.cfg)
		if err != nil {
			return errors.Wrap(err, "transport: listen")
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, lis)
		s.mu.Unlock()
		log.Printf("transport: listening on %v/udp", addr)
		wg.Add(1)
		go func(lis *kcp.Listener) {
			defer wg.Done()
			s.acceptLoop(lis, handle)
		}(lis)
	}
	wg.Wait()
	return nil
}

// Addr returns the address of the first listener, useful when the config
// requested an ephemeral port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Close stops accepting and tears down every live connection.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for _, lis := range s.listeners {
			lis.Close()
		}
		for _, pc := range s.peers {
			if pc != nil && pc.sess != nil {
				pc.sess.Close()
			}
		}
		s.mu.Unlock()
	})
}

func (s *Server) acceptLoop(lis *kcp.Listener, handle StreamHandler) {
	for {
		conn, err := lis.AcceptKCP()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("transport: accept: %+v", err)
			}
			return
		}
		tuneSession(conn)

		remote := conn.RemoteAddr().String()
		s.mu.Lock()
		if s.conns >= s.cfg.MaxConnections {
			s.mu.Unlock()
			log.Println("transport: connection limit reached, rejecting", remote)
			conn.Close()
			continue
		}
		if _, dup := s.peers[remote]; dup {
			s.mu.Unlock()
			log.Printf("transport: %v: %s", ErrDuplicatePeer, remote)
			conn.Close()
			continue
		}
		s.conns++
		s.peers[remote] = nil // reserved until the mux handshake completes
		s.mu.Unlock()

		go s.serveConn(conn, remote, handle)
	}
}

func (s *Server) serveConn(conn *kcp.UDPSession, remote string, handle StreamHandler) {
	defer func() {
		s.mu.Lock()
		delete(s.peers, remote)
		s.conns--
		s.mu.Unlock()
	}()

	var rwc net.Conn = conn
	if !s.cfg.NoComp {
		rwc = std.NewCompStream(conn)
	}
	smuxCfg, err := std.BuildSmuxConfig(s.cfg.KeepAliveInterval, s.cfg.IdleTimeout)
	if err != nil {
		log.Println("transport:", err)
		conn.Close()
		return
	}
	sess, err := smux.Server(rwc, smuxCfg)
	if err != nil {
		log.Printf("transport: mux handshake with %s: %v", remote, err)
		conn.Close()
		return
	}
	defer sess.Close()

	pc := &peerConn{sess: sess, remote: remote}
	pc.touch()
	s.mu.Lock()
	s.peers[remote] = pc
	s.mu.Unlock()

	go s.watchIdle(pc)

	for {
		st, err := sess.AcceptStream()
		if err != nil {
			return
		}
		go handle(newStream(st, pc, s.cfg.SendQueueDepth))
	}
}

// watchIdle closes a connection that carried no envelopes for IdleTimeout.
// The mux keep-alive doesn't count; only decoded frames refresh the clock.
func (s *Server) watchIdle(pc *peerConn) {
	interval := s.cfg.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-pc.sess.CloseChan():
			return
		case <-ticker.C:
			if pc.idleFor() > s.cfg.IdleTimeout {
				log.Println("transport: closing idle connection from", pc.remote)
				pc.sess.Close()
				return
			}
		}
	}
}

// Stream is one accepted stream with a bounded outbound queue drained by a
// dedicated writer, so handlers and session-map producers share a single
// ordered path onto the wire.
type Stream struct {
	st  *smux.Stream
	pc  *peerConn
	out chan *msg.Msg
	fb  frameBuffers

	done      chan struct{}
	closeOnce sync.Once
}

func newStream(st *smux.Stream, pc *peerConn, depth int) *Stream {
	s := &Stream{
		st:   st,
		pc:   pc,
		out:  make(chan *msg.Msg, depth),
		done: make(chan struct{}),
	}
	go s.pumpWrite()
	return s
}

// ID is the mux-assigned stream identifier.
func (s *Stream) ID() uint32 { return s.st.ID() }

// RemoteAddr is the peer's transport address.
func (s *Stream) RemoteAddr() net.Addr { return s.st.RemoteAddr() }

// ReadMsg reads the next envelope off the wire and refreshes the connection's
// idle clock.
func (s *Stream) ReadMsg() (*msg.Msg, error) {
	m, err := readMsg(s.st, &s.fb)
	if err != nil {
		return nil, err
	}
	s.pc.touch()
	return m, nil
}

// Send enqueues m for this stream, blocking while the queue is full;
// ErrQueueClosed once the stream is gone.
func (s *Stream) Send(m *msg.Msg) error {
	select {
	case s.out <- m:
		return nil
	case <-s.done:
		return ErrQueueClosed
	}
}

// Close tears the stream down; the pump drains what it can and exits.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Stream) pumpWrite() {
	defer s.st.Close()
	for {
		select {
		case m := <-s.out:
			if err := writeMsg(s.st, m); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			// best-effort drain
			for {
				select {
				case m := <-s.out:
					if err := writeMsg(s.st, m); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
