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

package std

import (
	"time"

	"github.com/xtaci/smux"
)

const (
	smuxReceiveBuffer = 4194304
	smuxStreamBuffer  = 2097152
)

// BuildSmuxConfig constructs a verified smux.Config for one peer connection.
// keepAlive probes the connection at the mux layer. The mux declares the peer
// dead after idleTimeout without traffic when idleTimeout exceeds keepAlive,
// and after three keep-alive intervals otherwise. Envelope-level idleness is
// enforced separately by the server watchdog.
func BuildSmuxConfig(keepAlive, idleTimeout time.Duration) (*smux.Config, error) {
	cfg := smux.DefaultConfig()
	cfg.Version = 2
	cfg.MaxReceiveBuffer = smuxReceiveBuffer
	cfg.MaxStreamBuffer = smuxStreamBuffer
	cfg.KeepAliveInterval = keepAlive
	if idleTimeout > cfg.KeepAliveInterval {
		cfg.KeepAliveTimeout = idleTimeout
	} else {
		cfg.KeepAliveTimeout = 3 * cfg.KeepAliveInterval
	}
	return cfg, smux.VerifyConfig(cfg)
}
