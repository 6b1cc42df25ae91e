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

// Package pipeline is the per-connection dispatch loop: an ordered list of
// handlers tried in turn, first claimant wins. Handlers are stateless beyond
// the capability views injected at construction; per-request scratch rides in
// a Context.
package pipeline

import (
	"log"

	"github.com/pkg/errors"

	"github.com/imesh-dev/imesh/msg"
)

var (
	// ErrNotMine is the decline sentinel: the handler does not serve this
	// message type, try the next one. Never surfaced to peers.
	ErrNotMine = errors.New("pipeline: not mine")
	// ErrAuthFailed closes the offending stream.
	ErrAuthFailed = errors.New("pipeline: auth failed")
)

// Sender is the outbound-queue view a handler may capture, matching
// transport.Sender structurally so this package stays transport-free.
type Sender interface {
	Send(m *msg.Msg) error
}

// Context is the per-request scratch threaded through one dispatch. The
// fields are the finite set phases actually exchange; new cross-phase values
// get new fields, not a dynamic map.
type Context struct {
	// Out is the outbound queue of the originating stream; replies and
	// session installs go through it.
	Out Sender
	// ClientTimestamp is the originator's clock from the inbound envelope,
	// echoed in every ack.
	ClientTimestamp uint64
	// UserID is the stream's authenticated user, zero before Auth.
	UserID uint64
	// Authed marks whether this stream passed Auth.
	Authed bool
	// PeerNode is the remote node id on cluster streams.
	PeerNode uint32
	// SourceNode is the message node registered over this stream; the
	// scheduler uses it to drop the registration when the stream dies.
	SourceNode uint32
	// CloseStream asks the serve loop to tear the stream down after the
	// response (if any) is written.
	CloseStream bool
}

// Handler serves one message class. Run returns the reply to write back on
// the originating stream, nil for no reply, or ErrNotMine to decline.
type Handler interface {
	Run(ctx *Context, m *msg.Msg) (*msg.Msg, error)
}

// Pipeline is an ordered handler list shared by every stream of a listener.
type Pipeline struct {
	handlers []Handler
	nodeID   uint32
}

// New builds a pipeline; order is dispatch order.
func New(nodeID uint32, handlers ...Handler) *Pipeline {
	return &Pipeline{handlers: handlers, nodeID: nodeID}
}

// Dispatch stamps the client timestamp, tries handlers in order, and maps
// failures to the user-visible surface: an Error ack for ordinary handler
// failures, a closed stream for auth failures. The returned reply is nil when
// nothing should be written.
func (p *Pipeline) Dispatch(ctx *Context, m *msg.Msg) *msg.Msg {
	ctx.ClientTimestamp = m.Timestamp
	for _, h := range p.handlers {
		reply, err := h.Run(ctx, m)
		switch {
		case errors.Is(err, ErrNotMine):
			continue
		case errors.Is(err, ErrAuthFailed):
			log.Printf("pipeline: auth failed for sender %d, closing stream", m.Sender)
			ctx.CloseStream = true
			return m.GenerateErrorAck(p.nodeID, ctx.ClientTimestamp, "AUTH")
		case err != nil:
			log.Printf("pipeline: handler error on type %d from %d: %+v", m.Type, m.Sender, err)
			return m.GenerateErrorAck(p.nodeID, ctx.ClientTimestamp, "HANDLER")
		default:
			return reply
		}
	}
	log.Printf("pipeline: no handler for type %d from %d", m.Type, m.Sender)
	return m.GenerateErrorAck(p.nodeID, ctx.ClientTimestamp, "UNHANDLED")
}
