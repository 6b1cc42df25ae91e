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
	"log"
	"math/bits"
	"sync"
	"time"

	"github.com/imesh-dev/imesh/msg"
)

// correlationID keys an in-flight request awaiting its ack. The ack echoes the
// originator's sender, receiver, and client timestamp, which together identify
// the request on this connection.
func correlationID(sender, receiver, clientTimestamp uint64) uint64 {
	const mix = 0x9E3779B97F4A7C15
	h := sender * mix
	h ^= bits.RotateLeft64(receiver*mix, 29)
	h ^= bits.RotateLeft64(clientTimestamp*mix, 47)
	return h
}

// timingWheel tracks reply deadlines with O(1) insert and cancel. One slot per
// millisecond of the configured timeout; expiry forwards the original envelope
// to the timeout channel. Expiry is reporting only, it does not cancel the
// underlying send.
type timingWheel struct {
	mu    sync.Mutex
	slots []map[uint64]*msg.Msg
	index map[uint64]int
	pos   int
	out   chan<- *msg.Msg
	stopc chan struct{}
	once  sync.Once
}

const wheelTick = time.Millisecond

func newTimingWheel(timeout time.Duration, out chan<- *msg.Msg) *timingWheel {
	n := int(timeout/wheelTick) + 1
	if n < 2 {
		n = 2
	}
	w := &timingWheel{
		slots: make([]map[uint64]*msg.Msg, n),
		index: make(map[uint64]int),
		out:   out,
		stopc: make(chan struct{}),
	}
	for i := range w.slots {
		w.slots[i] = make(map[uint64]*msg.Msg)
	}
	go w.run()
	return w
}

// add arms the full wheel span for id. A second add with the same id replaces
// the first.
func (w *timingWheel) add(id uint64, m *msg.Msg) {
	w.mu.Lock()
	if old, ok := w.index[id]; ok {
		delete(w.slots[old], id)
	}
	// one slot behind the cursor = a full revolution away
	slot := (w.pos + len(w.slots) - 1) % len(w.slots)
	w.slots[slot][id] = m
	w.index[id] = slot
	w.mu.Unlock()
}

// cancel disarms id; a reply arrived in time.
func (w *timingWheel) cancel(id uint64) {
	w.mu.Lock()
	if slot, ok := w.index[id]; ok {
		delete(w.slots[slot], id)
		delete(w.index, id)
	}
	w.mu.Unlock()
}

func (w *timingWheel) run() {
	ticker := time.NewTicker(wheelTick)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopc:
			return
		case <-ticker.C:
			w.mu.Lock()
			w.pos = (w.pos + 1) % len(w.slots)
			expired := w.slots[w.pos]
			if len(expired) == 0 {
				w.mu.Unlock()
				continue
			}
			w.slots[w.pos] = make(map[uint64]*msg.Msg)
			for id := range expired {
				delete(w.index, id)
			}
			w.mu.Unlock()
			for _, m := range expired {
				select {
				case w.out <- m:
				case <-w.stopc:
					return
				default:
					log.Println("timewheel: timeout channel full, dropping report for sender", m.Sender)
				}
			}
		}
	}
}

func (w *timingWheel) stop() {
	w.once.Do(func() { close(w.stopc) })
}
