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
	"log"

	"github.com/imesh-dev/imesh/cmap"
	"github.com/imesh-dev/imesh/msg"
	"github.com/imesh-dev/imesh/transport"
)

// nodeEntry pairs a registered node's descriptor with its control channel.
type nodeEntry struct {
	info msg.ServerInfo
	out  transport.Sender
}

// Registry tracks which message node hosts which user. Node membership is
// authoritative (nodes register and unregister); user placement is eventual,
// assigned on first lookup and dropped when the owning node goes away.
type Registry struct {
	nodes *cmap.Map[uint32, *nodeEntry]
	users *cmap.Map[uint64, uint32]
}

func NewRegistry() *Registry {
	return &Registry{
		nodes: cmap.NewUint32[*nodeEntry](),
		users: cmap.NewUint64[uint32](),
	}
}

// Register records a node and its control channel; a re-register replaces the
// descriptor (fresh load report, possibly new address).
func (r *Registry) Register(info *msg.ServerInfo, out transport.Sender) {
	r.nodes.Insert(info.ID, &nodeEntry{info: *info, out: out})
	log.Println("registry: node", info.ID, "registered at", info.Address)
}

// RegisterRemote records a node learned from a scheduler replica. There is
// no control channel here; broadcasts to it happen on the replica that owns
// the connection.
func (r *Registry) RegisterRemote(info *msg.ServerInfo) {
	r.nodes.Insert(info.ID, &nodeEntry{info: *info})
	log.Println("registry: node", info.ID, "registered via replica")
}

// Unregister removes the node and every user placement pointing at it, so
// the next lookup reassigns them to a live node.
func (r *Registry) Unregister(id uint32) {
	r.nodes.Remove(id)
	stale := make([]uint64, 0)
	r.users.Range(func(user uint64, node uint32) bool {
		if node == id {
			stale = append(stale, user)
		}
		return true
	})
	for _, user := range stale {
		r.users.Remove(user)
	}
	log.Println("registry: node", id, "unregistered,", len(stale), "placements dropped")
}

// WhichNode resolves the node hosting user, assigning the least-loaded live
// node on a miss. ok is false when no node is registered at all.
func (r *Registry) WhichNode(user uint64) (msg.ServerInfo, bool) {
	if id, ok := r.users.Get(user); ok {
		if entry, ok := r.nodes.Get(id); ok {
			return entry.info, true
		}
		// owning node vanished between broadcasts; fall through and reassign
		r.users.Remove(user)
	}
	best, ok := r.leastLoaded()
	if !ok {
		return msg.ServerInfo{}, false
	}
	r.users.Insert(user, best.ID)
	return best, true
}

// leastLoaded picks the node with the fewest reported sessions, lowest id
// winning ties so concurrent lookups converge.
func (r *Registry) leastLoaded() (msg.ServerInfo, bool) {
	var best *nodeEntry
	r.nodes.Range(func(_ uint32, entry *nodeEntry) bool {
		if best == nil {
			best = entry
			return true
		}
		bl, el := loadOf(&best.info), loadOf(&entry.info)
		if el < bl || (el == bl && entry.info.ID < best.info.ID) {
			best = entry
		}
		return true
	})
	if best == nil {
		return msg.ServerInfo{}, false
	}
	return best.info, true
}

func loadOf(info *msg.ServerInfo) int {
	if info.Load == nil {
		return 0
	}
	return info.Load.Sessions
}

// Broadcast sends m to every registered node's control channel except the one
// named by exclude (zero excludes nobody).
func (r *Registry) Broadcast(m *msg.Msg, exclude uint32) {
	r.nodes.Range(func(id uint32, entry *nodeEntry) bool {
		if id == exclude || entry.out == nil {
			return true
		}
		if err := entry.out.Send(m); err != nil {
			log.Println("registry: broadcast to", id, "failed:", err)
		}
		return true
	})
}
