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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/imesh-dev/imesh/msg"
)

// Each frame on a stream is a 4-byte big-endian head-length prefix (always
// msg.HeadLen), the head, then extension and payload. The total wire size is
// recoverable from the head alone; the prefix doubles as a cheap magic check.

type frameBuffers struct {
	lenBuf  [4]byte
	headBuf [msg.HeadLen]byte
}

// readMsg reads one complete envelope from r. Malformed input returns a
// FrameError; the caller closes the stream on any error.
func readMsg(r io.Reader, fb *frameBuffers) (*msg.Msg, error) {
	if _, err := io.ReadFull(r, fb.lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "read frame prefix")
	}
	if headLen := binary.BigEndian.Uint32(fb.lenBuf[:]); headLen != msg.HeadLen {
		return nil, &FrameError{Reason: fmt.Sprintf("bad head length %d", headLen)}
	}
	if _, err := io.ReadFull(r, fb.headBuf[:]); err != nil {
		return nil, errors.Wrap(err, "read frame head")
	}
	m, bodyLen, err := msg.UnmarshalHead(fb.headBuf[:])
	if err != nil {
		return nil, &FrameError{Reason: err.Error()}
	}
	if bodyLen > 0 {
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, errors.Wrap(err, "read frame body")
		}
		copy(m.Extension, body[:len(m.Extension)])
		copy(m.Payload, body[len(m.Extension):])
	}
	return m, nil
}

// writeMsg writes one envelope as a single buffer so the mux never interleaves
// a partial frame.
func writeMsg(w io.Writer, m *msg.Msg) error {
	wire, err := m.Marshal()
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(wire))
	binary.BigEndian.PutUint32(buf[:4], msg.HeadLen)
	copy(buf[4:], wire)
	_, err = w.Write(buf)
	return errors.Wrap(err, "write frame")
}
