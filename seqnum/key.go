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

// Package seqnum is the per-conversation sequence-number service: an
// in-memory-primary, disk-durable fetch-and-increment keyed by the unordered
// user pair, sharded so each core owns its slice of the key space and its own
// append segment.
package seqnum

import "encoding/binary"

// KeyLen is the size of a conversation key on disk and on the wire.
const KeyLen = 16

// Key identifies a conversation: min(a,b) then max(a,b), big-endian. Both
// directions of a user pair share one counter.
type Key [KeyLen]byte

// NewKey builds the conversation key for the unordered pair {a, b}.
func NewKey(a, b uint64) Key {
	if a > b {
		a, b = b, a
	}
	var k Key
	binary.BigEndian.PutUint64(k[:8], a)
	binary.BigEndian.PutUint64(k[8:], b)
	return k
}
