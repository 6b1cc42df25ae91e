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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	msgDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imesh_messaged_delivered_total",
		Help: "Envelopes delivered to a locally hosted session.",
	})
	msgForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imesh_messaged_forwarded_total",
		Help: "Envelopes forwarded to a peer node over the cluster mesh.",
	})
	msgPeerOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imesh_messaged_peer_offline_total",
		Help: "Envelopes dropped because the owning node was absent from the cluster map.",
	})
	seqnumStamped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imesh_messaged_seqnum_stamped_total",
		Help: "Envelopes stamped with a sequence number by the I/O task.",
	})
)
