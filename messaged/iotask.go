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
	"encoding/binary"
	"log"
	"os"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/imesh-dev/imesh/msg"
	"github.com/imesh-dev/imesh/seqnum"
)

// ioEvent is one unit of work for the I/O task: a point-to-point envelope to
// stamp and persist, or a group envelope to fan out.
type ioEvent struct {
	broadcast bool
	msg       *msg.Msg
}

// enqueueIO feeds the I/O task. The queue is bounded; a full queue blocks the
// producing handler rather than dropping the envelope.
func (n *Node) enqueueIO(ev ioEvent) error {
	n.ioq <- ev
	return nil
}

// runIOTask is the node's single persistence loop. For direct envelopes it
// fetches the conversation's next sequence number, stamps it, and appends the
// envelope to the message log; group envelopes go to the group subsystem
// untouched.
func (n *Node) runIOTask(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.ioq:
			if ev.broadcast {
				if err := n.groups.Push(ev.msg); err != nil {
					log.Println("iotask: group push:", err)
				}
				continue
			}
			val, err := n.seq.Next(seqnum.NewKey(ev.msg.Sender, ev.msg.Receiver))
			if err != nil {
				log.Println("iotask: seqnum:", err)
				continue
			}
			ev.msg.Seqnum = val
			seqnumStamped.Inc()
			if err := n.mlog.Append(ev.msg); err != nil {
				log.Println("iotask: message log:", err)
			}
		}
	}
}

// MessageLog persists envelopes after stamping. The relational history store
// lives elsewhere; this is the node-local durable record.
type MessageLog interface {
	Append(m *msg.Msg) error
	Close() error
}

// GroupDeliverer receives exactly one envelope per group-typed message; the
// group subsystem owns fanout and its persistence.
type GroupDeliverer interface {
	Push(m *msg.Msg) error
}

// fileLog appends length-prefixed envelopes through a snappy frame writer.
type fileLog struct {
	mu sync.Mutex
	f  *os.File
	w  *snappy.Writer
}

func newFileLog(path string) (*fileLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open message log")
	}
	return &fileLog{f: f, w: snappy.NewBufferedWriter(f)}, nil
}

func (l *fileLog) Append(m *msg.Msg) error {
	wire, err := m.Marshal()
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(wire)))

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "message log write")
	}
	if _, err := l.w.Write(wire); err != nil {
		return errors.Wrap(err, "message log write")
	}
	return errors.Wrap(l.w.Flush(), "message log flush")
}

func (l *fileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Close(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// logGroupDeliverer records group envelopes in the message log until a group
// subsystem is attached.
type logGroupDeliverer struct {
	log MessageLog
}

func (g *logGroupDeliverer) Push(m *msg.Msg) error {
	return g.log.Append(m)
}
