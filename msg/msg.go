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

// Package msg defines the message envelope every tier of the backbone speaks:
// a fixed 44-byte big-endian head followed by an extension and a payload.
package msg

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

const (
	// Version is the only wire version currently spoken.
	Version = 1
	// HeadLen is the size of the fixed envelope head in bytes.
	HeadLen = 44
	// MaxPayload caps the payload; the length field is 16 bits.
	MaxPayload = 65535
	// MaxExtension caps the extension; the length field is 16 bits.
	MaxExtension = 65535
)

// Type partitions the 16-bit message type space:
// [0..16) control, [16..32) signalling, [32..64) user text,
// [64..96) business, [96..128) internal.
type Type uint16

const (
	Noop  Type = 0
	Auth  Type = 1
	Ack   Type = 2
	Error Type = 3
	Ping  Type = 4
	Pong  Type = 5
	Echo  Type = 6

	Text Type = 32

	JoinGroup       Type = 64
	LeaveGroup      Type = 65
	AddFriend       Type = 66
	RemoveFriend    Type = 67
	SystemMessage   Type = 68
	RemoteInvoke    Type = 69
	SetRelationship Type = 70

	MessageNodeRegister   Type = 96
	MessageNodeUnregister Type = 97
	SchedulerNodeRegister Type = 98
	// WhichNode is the in-band form of the scheduler's which-node lookup:
	// payload is the big-endian user id, the ack carries the owning node's
	// descriptor.
	WhichNode Type = 99
)

// IsControl reports whether t is a control type.
func (t Type) IsControl() bool { return t < 16 }

// IsUserText reports whether t is a user text type.
func (t Type) IsUserText() bool { return t >= 32 && t < 64 }

// IsBusiness reports whether t is a business type.
func (t Type) IsBusiness() bool { return t >= 64 && t < 96 }

// IsInternal reports whether t is an internal cluster type.
func (t Type) IsInternal() bool { return t >= 96 && t < 128 }

// Msg is one envelope. Sender and Receiver are user ids (or node ids for
// internal types), Timestamp is the producer's clock in milliseconds, Seqnum
// is the per-conversation sequence number stamped by the I/O task. NodeID is
// the emitting node's id on acks and node-originated envelopes, and the
// destination node's id on user envelopes, which keep it when forwarded.
type Msg struct {
	Version   uint16
	Type      Type
	Sender    uint64
	Receiver  uint64
	Timestamp uint64
	Seqnum    uint64
	NodeID    uint32
	Extension []byte
	Payload   []byte
}

// New builds an envelope of type t with the current timestamp.
func New(t Type, sender, receiver uint64, payload []byte) *Msg {
	return &Msg{
		Version:   Version,
		Type:      t,
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: NowMillis(),
		Payload:   payload,
	}
}

// NowMillis is the wire clock: milliseconds since the epoch.
func NowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// WireLen is the total encoded size of m.
func (m *Msg) WireLen() int { return HeadLen + len(m.Extension) + len(m.Payload) }

// Marshal encodes m into a freshly allocated buffer. Oversized extension or
// payload is refused before anything is written.
func (m *Msg) Marshal() ([]byte, error) {
	if len(m.Payload) > MaxPayload {
		return nil, errors.Errorf("msg: payload length %d exceeds %d", len(m.Payload), MaxPayload)
	}
	if len(m.Extension) > MaxExtension {
		return nil, errors.Errorf("msg: extension length %d exceeds %d", len(m.Extension), MaxExtension)
	}
	buf := make([]byte, m.WireLen())
	binary.BigEndian.PutUint16(buf[0:2], m.Version)
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.Type))
	binary.BigEndian.PutUint64(buf[4:12], m.Sender)
	binary.BigEndian.PutUint64(buf[12:20], m.Receiver)
	binary.BigEndian.PutUint64(buf[20:28], m.Timestamp)
	binary.BigEndian.PutUint64(buf[28:36], m.Seqnum)
	binary.BigEndian.PutUint32(buf[36:40], m.NodeID)
	binary.BigEndian.PutUint16(buf[40:42], uint16(len(m.Extension)))
	binary.BigEndian.PutUint16(buf[42:44], uint16(len(m.Payload)))
	copy(buf[HeadLen:], m.Extension)
	copy(buf[HeadLen+len(m.Extension):], m.Payload)
	return buf, nil
}

// UnmarshalHead decodes a 44-byte head and returns the envelope with empty
// body slices plus the total body length still to be read.
func UnmarshalHead(head []byte) (*Msg, int, error) {
	if len(head) < HeadLen {
		return nil, 0, errors.Errorf("msg: short head: %d bytes", len(head))
	}
	m := &Msg{
		Version:   binary.BigEndian.Uint16(head[0:2]),
		Type:      Type(binary.BigEndian.Uint16(head[2:4])),
		Sender:    binary.BigEndian.Uint64(head[4:12]),
		Receiver:  binary.BigEndian.Uint64(head[12:20]),
		Timestamp: binary.BigEndian.Uint64(head[20:28]),
		Seqnum:    binary.BigEndian.Uint64(head[28:36]),
		NodeID:    binary.BigEndian.Uint32(head[36:40]),
	}
	if m.Version != Version {
		return nil, 0, errors.Errorf("msg: unsupported version %d", m.Version)
	}
	extLen := int(binary.BigEndian.Uint16(head[40:42]))
	payloadLen := int(binary.BigEndian.Uint16(head[42:44]))
	m.Extension = make([]byte, extLen)
	m.Payload = make([]byte, payloadLen)
	return m, extLen + payloadLen, nil
}

// Unmarshal decodes a whole envelope from b.
func Unmarshal(b []byte) (*Msg, error) {
	m, bodyLen, err := UnmarshalHead(b)
	if err != nil {
		return nil, err
	}
	if len(b) != HeadLen+bodyLen {
		return nil, errors.Errorf("msg: body length mismatch: have %d, head says %d", len(b)-HeadLen, bodyLen)
	}
	copy(m.Extension, b[HeadLen:HeadLen+len(m.Extension)])
	copy(m.Payload, b[HeadLen+len(m.Extension):])
	return m, nil
}

// GenerateAck builds the acknowledgement for m. The ack keeps m's sender and
// receiver, carries the acking node's id, and echoes the client's timestamp in
// the extension so the originator can correlate request and ack.
func (m *Msg) GenerateAck(nodeID uint32, clientTimestamp uint64) *Msg {
	ext := make([]byte, 8)
	binary.BigEndian.PutUint64(ext, clientTimestamp)
	return &Msg{
		Version:   Version,
		Type:      Ack,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Timestamp: NowMillis(),
		Seqnum:    m.Seqnum,
		NodeID:    nodeID,
		Extension: ext,
	}
}

// GenerateErrorAck is GenerateAck with type Error and a short reason code as
// payload.
func (m *Msg) GenerateErrorAck(nodeID uint32, clientTimestamp uint64, reason string) *Msg {
	ack := m.GenerateAck(nodeID, clientTimestamp)
	ack.Type = Error
	ack.Payload = []byte(reason)
	return ack
}

// ClientTimestamp extracts the echoed client timestamp from an Ack or Error
// extension. Zero if the extension is absent or short.
func (m *Msg) ClientTimestamp() uint64 {
	if len(m.Extension) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(m.Extension[:8])
}

// NewPing builds a keep-alive probe from one node to another.
func NewPing(sender, receiver uint64, nodeID uint32) *Msg {
	m := New(Ping, sender, receiver, nil)
	m.NodeID = nodeID
	return m
}

// NewPong answers a ping, swapping the endpoints.
func (m *Msg) NewPong(nodeID uint32) *Msg {
	p := New(Pong, m.Receiver, m.Sender, nil)
	p.NodeID = nodeID
	return p
}
