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

package msg

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// NodeStatus is the liveness state a node reports about itself.
type NodeStatus uint8

const (
	StatusOnline  NodeStatus = 1
	StatusOffline NodeStatus = 2
)

// NodeType distinguishes the tiers that register with the scheduler.
type NodeType uint8

const (
	NodeMessage          NodeType = 1
	NodeSchedulerCluster NodeType = 2
	NodeSeqnum           NodeType = 3
)

// NodeLoad is an optional load report piggybacked on registration.
type NodeLoad struct {
	Sessions int     `json:"sessions"`
	CPU      float64 `json:"cpu"`
}

// ServerInfo describes one node to the scheduler and to cluster peers. It
// rides in registration payloads as JSON.
type ServerInfo struct {
	ID uint32 `json:"id"`
	// Address is what clients dial; ClusterAddress is what peer nodes dial.
	Address        string     `json:"address"`
	ClusterAddress string     `json:"cluster_address,omitempty"`
	Status         NodeStatus `json:"status"`
	Type           NodeType   `json:"type"`
	Load           *NodeLoad  `json:"load,omitempty"`
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes the descriptor for a registration payload.
func (si *ServerInfo) Marshal() ([]byte, error) {
	b, err := json.Marshal(si)
	return b, errors.Wrap(err, "marshal server info")
}

// UnmarshalServerInfo decodes a registration payload.
func UnmarshalServerInfo(b []byte) (*ServerInfo, error) {
	si := new(ServerInfo)
	if err := json.Unmarshal(b, si); err != nil {
		return nil, errors.Wrap(err, "unmarshal server info")
	}
	return si, nil
}
