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
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError reports a missing or invalid field at Build time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("transport config: field %q %s", e.Field, e.Reason)
}

func missing(field string) error {
	return &ConfigError{Field: field, Reason: "is required"}
}

// FrameError reports malformed wire input; the offending stream is closed.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "frame error: " + e.Reason
}

// IsFrameError reports whether err carries a FrameError.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

var (
	// ErrDuplicatePeer rejects a second live connection from a peer.
	ErrDuplicatePeer = errors.New("transport: duplicate peer")
	// ErrQueueClosed is observed by producers once the consumer is gone.
	ErrQueueClosed = errors.New("transport: queue closed")
	// ErrNotConnected guards stream operations before Connect.
	ErrNotConnected = errors.New("transport: not connected")
)
