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

import "time"

// ClientConfig is the validated dialer configuration. Build it through
// ClientConfigBuilder; zero values never reach a Client.
type ClientConfig struct {
	RemoteAddr        string
	Key               string
	Crypt             string
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
	MaxStreams        int
	SendQueueDepth    int
	RecvQueueDepth    int
	DataShard         int
	ParityShard       int
	NoComp            bool
}

// ClientConfigBuilder collects fields and validates them in one place so a
// misconfigured deployment fails with the field's name instead of a hang.
type ClientConfigBuilder struct {
	cfg ClientConfig
}

func (b *ClientConfigBuilder) WithRemoteAddr(addr string) *ClientConfigBuilder {
	b.cfg.RemoteAddr = addr
	return b
}

func (b *ClientConfigBuilder) WithKey(key string) *ClientConfigBuilder {
	b.cfg.Key = key
	return b
}

func (b *ClientConfigBuilder) WithCrypt(crypt string) *ClientConfigBuilder {
	b.cfg.Crypt = crypt
	return b
}

func (b *ClientConfigBuilder) WithKeepAliveInterval(d time.Duration) *ClientConfigBuilder {
	b.cfg.KeepAliveInterval = d
	return b
}

func (b *ClientConfigBuilder) WithIdleTimeout(d time.Duration) *ClientConfigBuilder {
	b.cfg.IdleTimeout = d
	return b
}

func (b *ClientConfigBuilder) WithMaxStreams(n int) *ClientConfigBuilder {
	b.cfg.MaxStreams = n
	return b
}

func (b *ClientConfigBuilder) WithSendQueueDepth(n int) *ClientConfigBuilder {
	b.cfg.SendQueueDepth = n
	return b
}

func (b *ClientConfigBuilder) WithRecvQueueDepth(n int) *ClientConfigBuilder {
	b.cfg.RecvQueueDepth = n
	return b
}

func (b *ClientConfigBuilder) WithFEC(dataShard, parityShard int) *ClientConfigBuilder {
	b.cfg.DataShard = dataShard
	b.cfg.ParityShard = parityShard
	return b
}

func (b *ClientConfigBuilder) WithNoComp(noComp bool) *ClientConfigBuilder {
	b.cfg.NoComp = noComp
	return b
}

// Build validates every mandatory field and returns the config.
func (b *ClientConfigBuilder) Build() (ClientConfig, error) {
	switch {
	case b.cfg.RemoteAddr == "":
		return ClientConfig{}, missing("remote_addr")
	case b.cfg.Key == "":
		return ClientConfig{}, missing("key")
	case b.cfg.KeepAliveInterval <= 0:
		return ClientConfig{}, missing("keep_alive_interval")
	case b.cfg.MaxStreams <= 0:
		return ClientConfig{}, missing("max_streams")
	case b.cfg.SendQueueDepth <= 0:
		return ClientConfig{}, missing("send_queue_depth")
	case b.cfg.RecvQueueDepth <= 0:
		return ClientConfig{}, missing("recv_queue_depth")
	}
	if b.cfg.Crypt == "" {
		b.cfg.Crypt = "aes"
	}
	if b.cfg.IdleTimeout > 0 && b.cfg.IdleTimeout <= b.cfg.KeepAliveInterval {
		return ClientConfig{}, &ConfigError{Field: "idle_timeout", Reason: "must exceed keep_alive_interval"}
	}
	return b.cfg, nil
}

// ServerConfig is the validated listener configuration.
type ServerConfig struct {
	Listen            string
	Key               string
	Crypt             string
	MaxConnections    int
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
	SendQueueDepth    int
	RecvQueueDepth    int
	DataShard         int
	ParityShard       int
	NoComp            bool
	TCP               bool
}

// ServerConfigBuilder mirrors ClientConfigBuilder for the accept side.
type ServerConfigBuilder struct {
	cfg ServerConfig
}

func (b *ServerConfigBuilder) WithListen(addr string) *ServerConfigBuilder {
	b.cfg.Listen = addr
	return b
}

func (b *ServerConfigBuilder) WithKey(key string) *ServerConfigBuilder {
	b.cfg.Key = key
	return b
}

func (b *ServerConfigBuilder) WithCrypt(crypt string) *ServerConfigBuilder {
	b.cfg.Crypt = crypt
	return b
}

func (b *ServerConfigBuilder) WithMaxConnections(n int) *ServerConfigBuilder {
	b.cfg.MaxConnections = n
	return b
}

func (b *ServerConfigBuilder) WithKeepAliveInterval(d time.Duration) *ServerConfigBuilder {
	b.cfg.KeepAliveInterval = d
	return b
}

func (b *ServerConfigBuilder) WithIdleTimeout(d time.Duration) *ServerConfigBuilder {
	b.cfg.IdleTimeout = d
	return b
}

func (b *ServerConfigBuilder) WithSendQueueDepth(n int) *ServerConfigBuilder {
	b.cfg.SendQueueDepth = n
	return b
}

func (b *ServerConfigBuilder) WithRecvQueueDepth(n int) *ServerConfigBuilder {
	b.cfg.RecvQueueDepth = n
	return b
}

func (b *ServerConfigBuilder) WithFEC(dataShard, parityShard int) *ServerConfigBuilder {
	b.cfg.DataShard = dataShard
	b.cfg.ParityShard = parityShard
	return b
}

func (b *ServerConfigBuilder) WithNoComp(noComp bool) *ServerConfigBuilder {
	b.cfg.NoComp = noComp
	return b
}

func (b *ServerConfigBuilder) WithTCP(tcp bool) *ServerConfigBuilder {
	b.cfg.TCP = tcp
	return b
}

// Build validates every mandatory field and returns the config.
func (b *ServerConfigBuilder) Build() (ServerConfig, error) {
	switch {
	case b.cfg.Listen == "":
		return ServerConfig{}, missing("listen")
	case b.cfg.Key == "":
		return ServerConfig{}, missing("key")
	case b.cfg.MaxConnections <= 0:
		return ServerConfig{}, missing("max_connections")
	case b.cfg.KeepAliveInterval <= 0:
		return ServerConfig{}, missing("keep_alive_interval")
	case b.cfg.IdleTimeout <= 0:
		return ServerConfig{}, missing("idle_timeout")
	case b.cfg.SendQueueDepth <= 0:
		return ServerConfig{}, missing("send_queue_depth")
	case b.cfg.RecvQueueDepth <= 0:
		return ServerConfig{}, missing("recv_queue_depth")
	}
	if b.cfg.Crypt == "" {
		b.cfg.Crypt = "aes"
	}
	if b.cfg.IdleTimeout <= b.cfg.KeepAliveInterval {
		return ServerConfig{}, &ConfigError{Field: "idle_timeout", Reason: "must exceed keep_alive_interval"}
	}
	return b.cfg, nil
}
