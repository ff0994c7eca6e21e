// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Conn.ReadFrame when no complete frame arrived
// within the connection's read timeout.
var ErrTimeout = errors.New("gnss: read timeout")

// Transport opens connections to a receiver.
type Transport interface {
	Open(path string, baud int, timeout time.Duration) (Conn, error)
}

// Conn is an open connection to a receiver. It is not safe for concurrent
// use; a single goroutine owns it.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(data []byte) error
	Close() error
}

// Frame is a decoded message received from the device.
type Frame struct {
	Identity string
	Fields   map[string]any
	Time     time.Time
	Raw      []byte
}
