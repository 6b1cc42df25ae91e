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
	"os"

	jsoniter "github.com/json-iterator/go"
)

// Config for the message node
type Config struct {
	NodeID         uint32 `json:"node_id"`
	Listen         string `json:"listen"`
	PublicAddr     string `json:"public_addr"`
	ClusterListen  string `json:"cluster_listen"`
	ClusterAddr    string `json:"cluster_addr"`
	SchedulerAddr  string `json:"scheduler_addr"`
	SeqnumAddr     string `json:"seqnum_addr"`
	Key            string `json:"key"`
	Crypt          string `json:"crypt"`
	MaxConnections int    `json:"max_connections"`
	KeepAlive      int    `json:"keepalive"`
	IdleTimeout    int    `json:"idle_timeout"`
	MaxStreams     int    `json:"max_streams"`
	SendQueueDepth int    `json:"send_queue_depth"`
	RecvQueueDepth int    `json:"recv_queue_depth"`
	TaskQueueDepth int    `json:"task_queue_depth"`
	DataShard      int    `json:"datashard"`
	ParityShard    int    `json:"parityshard"`
	NoComp         bool   `json:"nocomp"`
	TCP            bool   `json:"tcp"`
	MsgLog         string `json:"msglog"`
	Log            string `json:"log"`
	SnmpLog        string `json:"snmplog"`
	SnmpPeriod     int    `json:"snmpperiod"`
	Pprof          bool   `json:"pprof"`
	Quiet          bool   `json:"quiet"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path) // For read access.
	if err != nil {
		return err
	}
	defer file.Close()

	return jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(file).Decode(config)
}
